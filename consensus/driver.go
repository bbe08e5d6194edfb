package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexusdb/tabletwal/hooks"
	"github.com/nexusdb/tabletwal/metrics"
	"github.com/nexusdb/tabletwal/wal"
	"github.com/nexusdb/tabletwal/walcore"
	"github.com/nexusdb/tabletwal/walconf"
)

// Driver is the producer above the log (C11): it accepts a leader's
// UpdateConsensus pushes, enforces the term and log-matching-property
// rules, truncates on divergence, issues the accepted ops to the log as a
// REPLICATE batch, and advances the commit index. Grounded on the same
// capability-set framing §9's design notes call for: propose,
// update_consensus, request_vote, change_config, step_down as one
// driver rather than a polymorphic class hierarchy.
//
// One Driver serializes every consensus RPC for its tablet behind mu,
// mirroring the "parallel threads, but consensus calls for one replica
// are handled one at a time" scheduling model of §5.
type Driver struct {
	log     *wal.Log
	conf    walconf.ConsensusConfig
	hookMgr hooks.HookManager
	metrics metrics.Sink
	logger  *slog.Logger
	tracer  trace.Tracer

	mu sync.Mutex

	currentTerm   uint64
	votedFor      string
	isLeader      bool
	pendingBytes  int64

	// lastReceived is the OpID of the most recently accepted REPLICATE
	// entry, across any term. lastReceivedCurrentLeader is the subset of
	// that which arrived from the current term's leader (MinOpID if
	// none yet), per §4.10's LMP-mismatch response fields.
	lastReceived              walcore.OpID
	lastReceivedCurrentLeader walcore.OpID

	committedIndex            uint64
	hasCommittedInCurrentTerm bool

	// committedConfigOpIDIndex is the opid_index of the last committed
	// configuration change, or -1 before any config has been committed.
	committedConfigOpIDIndex int64
}

// NewDriver wraps log, recovering this replica's last-received and
// committed state by replaying its existing segments — the durability
// that lets a restarted replica answer LMP-mismatch checks with the
// committed index it reported before the restart (KUDU-1775).
func NewDriver(log *wal.Log, conf walconf.ConsensusConfig, hookMgr hooks.HookManager, sink metrics.Sink, logger *slog.Logger) (*Driver, error) {
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	lastReceived, committedIndex, err := recoverConsensusState(log)
	if err != nil {
		return nil, err
	}

	currentTerm := lastReceived.Term
	hasCommittedInCurrentTerm := false
	if committedIndex > 0 {
		if op, found, err := log.OpIDAt(committedIndex); err == nil && found {
			if op.Term > currentTerm {
				currentTerm = op.Term
			}
			hasCommittedInCurrentTerm = op.Term == currentTerm
		}
	}

	return &Driver{
		log:                       log,
		conf:                      conf,
		hookMgr:                   hookMgr,
		metrics:                   sink,
		logger:                    logger.With("component", "consensus-driver"),
		tracer:                    otel.Tracer("github.com/nexusdb/tabletwal/consensus"),
		currentTerm:               currentTerm,
		lastReceived:              lastReceived,
		lastReceivedCurrentLeader: lastReceived,
		committedIndex:            committedIndex,
		hasCommittedInCurrentTerm: hasCommittedInCurrentTerm,
		committedConfigOpIDIndex:  -1,
	}, nil
}

// recoverConsensusState replays every segment's REPLICATE and COMMIT
// frames to reconstruct the highest-index entry received and the highest
// index committed, the two pieces of durable state a restarted driver
// cannot otherwise recompute (§8's "LMP report integrity" property).
func recoverConsensusState(log *wal.Log) (lastReceived walcore.OpID, committedIndex uint64, err error) {
	for _, seg := range log.Registry().Snapshot() {
		_, serr := seg.ScanFrames(int64(walcore.HeaderSize), func(_ int64, frame wal.DecodedFrame) error {
			switch frame.Kind {
			case walcore.EntryReplicate:
				msgs, derr := wal.DecodeReplicateEntries(frame.Raw, int(frame.NumEntries))
				if derr != nil {
					return derr
				}
				for _, m := range msgs {
					if m.OpID.Index > lastReceived.Index {
						lastReceived = m.OpID
					}
				}
			case walcore.EntryCommit:
				msgs, derr := wal.DecodeCommitEntries(frame.Raw, int(frame.NumEntries))
				if derr != nil {
					return derr
				}
				for _, m := range msgs {
					if m.Decision == walcore.CommitCommitted && m.CommittedOpID.Index > committedIndex {
						committedIndex = m.CommittedOpID.Index
					}
				}
			}
			return nil
		})
		if serr != nil {
			return lastReceived, committedIndex, serr
		}
	}
	return lastReceived, committedIndex, nil
}

// UpdateConsensus implements §4.10's preconditions and outcomes in order:
// term check, LMP check (truncating to the committed point on mismatch),
// truncation on replace, intra-batch monotonicity, commit advancement
// bounded by the locally received index (KUDU-639), and the memory
// pressure check applied only after that advancement.
func (d *Driver) UpdateConsensus(ctx context.Context, req UpdateConsensusRequest) (UpdateConsensusResponse, error) {
	ctx, span := d.tracer.Start(ctx, "Driver.UpdateConsensus", trace.WithAttributes(
		attribute.Int64("caller_term", int64(req.CallerTerm)),
		attribute.Int64("preceding_index", int64(req.PrecedingOpID.Index)),
		attribute.Int("num_replicates", len(req.Ops)),
	))
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.hookMgr.Trigger(ctx, hooks.NewPreUpdateConsensusEvent(hooks.UpdateConsensusPayload{
		PeerTerm:      req.CallerTerm,
		PrecedingOpID: req.PrecedingOpID,
		NumReplicates: len(req.Ops),
	}))

	resp, err := d.updateConsensusLocked(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp.Status != nil {
		span.RecordError(resp.Status)
		span.SetStatus(codes.Error, resp.Status.Error())
	}

	_ = d.hookMgr.Trigger(ctx, hooks.NewPostUpdateConsensusEvent(hooks.UpdateConsensusPayload{
		PeerTerm:      req.CallerTerm,
		PrecedingOpID: req.PrecedingOpID,
		NumReplicates: len(req.Ops),
		CommittedOpID: walcore.OpID{Index: d.committedIndex},
		Error:         resp.Status,
	}))
	return resp, err
}

func (d *Driver) updateConsensusLocked(ctx context.Context, req UpdateConsensusRequest) (UpdateConsensusResponse, error) {
	if req.CallerTerm < d.currentTerm {
		return UpdateConsensusResponse{CurrentTerm: d.currentTerm, Status: ErrInvalidTerm}, nil
	}
	if req.CallerTerm > d.currentTerm {
		d.currentTerm = req.CallerTerm
		d.hasCommittedInCurrentTerm = false
		d.lastReceivedCurrentLeader = walcore.MinOpID
	}

	matched, _, err := d.checkLMPLocked(req.PrecedingOpID)
	if err != nil {
		return UpdateConsensusResponse{}, err
	}
	if !matched {
		if err := d.truncateToCommittedLocked(ctx); err != nil {
			return UpdateConsensusResponse{}, err
		}
		_ = d.hookMgr.Trigger(ctx, hooks.NewOnLMPMismatchEvent(hooks.LMPMismatchPayload{
			PeerTerm:      req.CallerTerm,
			PrecedingOpID: req.PrecedingOpID,
			LocalOpID:     d.lastReceived,
		}))
		return d.mismatchResponseLocked(), nil
	}

	if d.lastReceived.Index > req.PrecedingOpID.Index {
		if err := d.truncateAfterLocked(ctx, req.PrecedingOpID); err != nil {
			return UpdateConsensusResponse{}, err
		}
	}

	if err := validateIntraBatchMonotonicity(req.PrecedingOpID, req.Ops); err != nil {
		return UpdateConsensusResponse{
			CurrentTerm:      d.currentTerm,
			CommittedIndex:   d.committedIndex,
			LastCommittedIdx: d.committedIndex,
			LastReceived:     d.lastReceived,
			Status:           err,
		}, nil
	}

	// Commit advancement bounded by what is already durable, so that ops
	// already in flight from an earlier call are allowed to commit even
	// if this request's own ops end up rejected below.
	if err := d.advanceCommittedLocked(ctx, req.CommittedIndex); err != nil {
		return UpdateConsensusResponse{}, err
	}

	addedBytes := sizeOfReplicates(req.Ops)
	if d.pendingBytes+addedBytes > d.conf.MaxPendingOpsBytes {
		return UpdateConsensusResponse{
			CurrentTerm:      d.currentTerm,
			CommittedIndex:   d.committedIndex,
			LastCommittedIdx: d.committedIndex,
			LastReceived:     d.lastReceived,
			Status:           fmt.Errorf("%w: Soft memory limit exceeded", walcore.ErrServiceUnavailable),
		}, nil
	}

	if len(req.Ops) > 0 {
		d.pendingBytes += addedBytes
		err := d.enqueueReplicatesLocked(req.Ops)
		d.pendingBytes -= addedBytes
		if err != nil {
			return UpdateConsensusResponse{}, err
		}
		d.lastReceived = req.Ops[len(req.Ops)-1].OpID
		if req.CallerTerm == d.currentTerm {
			d.lastReceivedCurrentLeader = d.lastReceived
		}
		if err := d.advanceCommittedLocked(ctx, req.CommittedIndex); err != nil {
			return UpdateConsensusResponse{}, err
		}
	}

	return d.okResponseLocked(), nil
}

// checkLMPLocked implements §4.10 point 2: the replica's entry AT
// preceding_op_id's index (not merely its last-received entry) must carry
// preceding_op_id's term. A zero preceding_op_id (the very first push)
// always matches.
func (d *Driver) checkLMPLocked(preceding walcore.OpID) (matched bool, local walcore.OpID, err error) {
	if preceding.IsZero() {
		return true, walcore.MinOpID, nil
	}
	local, found, err := d.log.OpIDAt(preceding.Index)
	if err != nil {
		return false, walcore.OpID{}, err
	}
	if !found {
		return false, walcore.OpID{}, nil
	}
	return local.Term == preceding.Term, local, nil
}

// truncateToCommittedLocked discards every entry beyond the committed
// index on LMP mismatch: only committed entries are guaranteed durable
// across a leader change, so anything past the commit point is always
// safe to drop in favor of whatever the new leader sends next.
func (d *Driver) truncateToCommittedLocked(ctx context.Context) error {
	anchor := walcore.MinOpID
	if d.committedIndex > 0 {
		if op, found, err := d.log.OpIDAt(d.committedIndex); err != nil {
			return err
		} else if found {
			anchor = op
		}
	}
	return d.truncateAfterLocked(ctx, anchor)
}

// truncateAfterLocked implements §4.10 point 4 (KUDU-644): entries
// strictly after anchor are aborted and discarded.
func (d *Driver) truncateAfterLocked(ctx context.Context, anchor walcore.OpID) error {
	if d.lastReceived.Index <= anchor.Index {
		return nil
	}
	n, err := d.log.TruncateAfter(anchor)
	if err != nil {
		return err
	}
	_ = d.hookMgr.Trigger(ctx, hooks.NewPreTruncateEvent(hooks.TruncatePayload{TruncatedFromOpID: anchor, NumOpsTruncated: n}))
	d.lastReceived = anchor
	if d.lastReceivedCurrentLeader.Index > anchor.Index {
		d.lastReceivedCurrentLeader = anchor
	}
	_ = d.hookMgr.Trigger(ctx, hooks.NewPostTruncateEvent(hooks.TruncatePayload{TruncatedFromOpID: anchor, NumOpsTruncated: n}))
	return nil
}

// validateIntraBatchMonotonicity implements §4.10 point 3, reproducing
// its exact violation messages verbatim.
func validateIntraBatchMonotonicity(preceding walcore.OpID, ops []walcore.ReplicateMessage) error {
	prev := preceding
	for _, op := range ops {
		if op.OpID.Index != prev.Index+1 {
			return fmt.Errorf("%w: New operation's index does not follow the previous op's index", walcore.ErrInvalidArgument)
		}
		if op.OpID.Term < prev.Term {
			return fmt.Errorf("%w: New operation's term is not >= than the previous op's term", walcore.ErrInvalidArgument)
		}
		prev = op.OpID
	}
	return nil
}

// advanceCommittedLocked implements §4.10 point 6 and §8's commit-index
// bounding property (KUDU-639): the committed index can never exceed the
// locally received index, and never regresses. A real advancement writes
// a COMMIT entry to the log so a restarted replica can recover it
// (KUDU-1775).
func (d *Driver) advanceCommittedLocked(ctx context.Context, requested uint64) error {
	bound := requested
	if d.lastReceived.Index < bound {
		bound = d.lastReceived.Index
	}
	if bound <= d.committedIndex {
		return nil
	}

	committedOpID := walcore.OpID{Index: bound}
	if op, found, err := d.log.OpIDAt(bound); err != nil {
		return err
	} else if found {
		committedOpID = op
	}

	done := make(chan error, 1)
	batch := wal.NewCommitBatch([]walcore.CommitMessage{{CommittedOpID: committedOpID, Decision: walcore.CommitCommitted}}, func(err error) { done <- err })
	if err := d.log.Pipeline().Reserve(batch); err != nil {
		return err
	}
	if err := batch.Serialize(); err != nil {
		return err
	}
	if err := batch.MarkReady(); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	old := d.committedIndex
	d.committedIndex = bound
	if committedOpID.Term == d.currentTerm {
		d.hasCommittedInCurrentTerm = true
	}
	_ = d.hookMgr.Trigger(ctx, hooks.NewOnCommitAdvanceEvent(hooks.CommitAdvancePayload{
		OldCommittedOpID: walcore.OpID{Index: old},
		NewCommittedOpID: committedOpID,
	}))
	return nil
}

func (d *Driver) enqueueReplicatesLocked(ops []walcore.ReplicateMessage) error {
	done := make(chan error, 1)
	batch := wal.NewReplicateBatch(ops, func(err error) { done <- err })
	if err := d.log.Pipeline().Reserve(batch); err != nil {
		return err
	}
	if err := batch.Serialize(); err != nil {
		return err
	}
	if err := batch.MarkReady(); err != nil {
		return err
	}
	return <-done
}

func sizeOfReplicates(ops []walcore.ReplicateMessage) int64 {
	var total int64
	for i := range ops {
		total += int64(ops[i].Size())
	}
	return total
}

func (d *Driver) mismatchResponseLocked() UpdateConsensusResponse {
	return UpdateConsensusResponse{
		CurrentTerm:               d.currentTerm,
		CommittedIndex:            d.committedIndex,
		LastCommittedIdx:          d.committedIndex,
		LastReceived:              d.lastReceived,
		LastReceivedCurrentLeader: d.lastReceivedCurrentLeader,
		Status:                    ErrPrecedingEntryDidntMatch,
	}
}

func (d *Driver) okResponseLocked() UpdateConsensusResponse {
	return UpdateConsensusResponse{
		CurrentTerm:               d.currentTerm,
		CommittedIndex:            d.committedIndex,
		LastCommittedIdx:          d.committedIndex,
		LastReceived:              d.lastReceived,
		LastReceivedCurrentLeader: d.lastReceivedCurrentLeader,
	}
}

// RequestVote grants or withholds this replica's vote for a candidate,
// per the capability set §9 names. It never crashes the process; every
// rejection is carried in the response (§7's "consensus-level errors
// never crash the server").
func (d *Driver) RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	_, span := d.tracer.Start(ctx, "Driver.RequestVote", trace.WithAttributes(
		attribute.Int64("candidate_term", int64(req.CandidateTerm)),
		attribute.Bool("is_pre_election", req.IsPreElection),
	))
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if req.CandidateTerm < d.currentTerm {
		return RequestVoteResponse{CurrentTerm: d.currentTerm, Status: ErrInvalidTerm}, nil
	}
	if req.CandidateTerm == d.currentTerm && d.votedFor != "" && d.votedFor != req.CandidateUUID {
		return RequestVoteResponse{CurrentTerm: d.currentTerm, Status: ErrCannotPrepare}, nil
	}
	if req.CandidateStatusOpID.Less(d.lastReceived) {
		return RequestVoteResponse{CurrentTerm: d.currentTerm, Status: ErrCannotPrepare}, nil
	}

	if req.IsPreElection {
		return RequestVoteResponse{CurrentTerm: d.currentTerm, VoteGranted: true}, nil
	}

	if req.CandidateTerm > d.currentTerm {
		d.currentTerm = req.CandidateTerm
		d.votedFor = ""
		d.hasCommittedInCurrentTerm = false
	}
	d.votedFor = req.CandidateUUID
	d.isLeader = false
	return RequestVoteResponse{CurrentTerm: d.currentTerm, VoteGranted: true}, nil
}

// ChangeConfig implements §4.10's ChangeConfig precondition and CAS
// semantics.
func (d *Driver) ChangeConfig(ctx context.Context, req ChangeConfigRequest) (ChangeConfigResponse, error) {
	_, span := d.tracer.Start(ctx, "Driver.ChangeConfig", trace.WithAttributes(
		attribute.Int64("new_config_opid_index", req.NewConfigOpIDIndex),
	))
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if req.CasConfigOpIDIndex != -1 && req.CasConfigOpIDIndex != d.committedConfigOpIDIndex {
		return ChangeConfigResponse{
			CommittedConfigOpIDIndex: d.committedConfigOpIDIndex,
			Status: fmt.Errorf("%w: committed config has opid_index %d but caller supplied %d",
				ErrCASFailed, d.committedConfigOpIDIndex, req.CasConfigOpIDIndex),
		}, nil
	}
	if !d.hasCommittedInCurrentTerm {
		return ChangeConfigResponse{
			CommittedConfigOpIDIndex: d.committedConfigOpIDIndex,
			Status:                   fmt.Errorf("%w: Leader has not yet committed an operation in its own term", walcore.ErrIllegalState),
		}, nil
	}

	d.committedConfigOpIDIndex = req.NewConfigOpIDIndex
	return ChangeConfigResponse{CommittedConfigOpIDIndex: d.committedConfigOpIDIndex}, nil
}

// LeaderStepDown relinquishes leadership if this replica currently holds
// it, otherwise rejects with NOT_THE_LEADER.
func (d *Driver) LeaderStepDown(ctx context.Context, req LeaderStepDownRequest) (LeaderStepDownResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isLeader {
		return LeaderStepDownResponse{Status: ErrNotTheLeader}, nil
	}
	d.isLeader = false
	return LeaderStepDownResponse{}, nil
}

// BecomeLeader marks this replica as leader for term, the minimal
// leadership-tracking a unit test or a higher-level election loop needs
// to exercise LeaderStepDown and ChangeConfig's precondition.
func (d *Driver) BecomeLeader(term uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isLeader = true
	if term > d.currentTerm {
		d.currentTerm = term
		d.hasCommittedInCurrentTerm = false
	}
}

// CurrentTerm reports the replica's current term.
func (d *Driver) CurrentTerm() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentTerm
}

// LastReceivedOpID reports the OpID of the most recently accepted entry.
func (d *Driver) LastReceivedOpID() walcore.OpID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReceived
}

// CommittedIndex reports the replica's current committed index.
func (d *Driver) CommittedIndex() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committedIndex
}
