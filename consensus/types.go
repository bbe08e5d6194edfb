package consensus

import (
	"errors"

	"github.com/nexusdb/tabletwal/walcore"
)

// Sentinel errors for the consensus driver surface (§4.10/§6), following
// walcore/errors.go's taxonomy-by-kind convention: callers distinguish
// these with errors.Is, and add message detail with fmt.Errorf("...: %w").
var (
	// ErrInvalidTerm marks a request whose caller_term trails the
	// replica's current term.
	ErrInvalidTerm = errors.New("consensus: invalid term")

	// ErrPrecedingEntryDidntMatch marks a log-matching-property failure:
	// the entry the replica actually holds at preceding_op_id's index
	// does not carry preceding_op_id's term.
	ErrPrecedingEntryDidntMatch = errors.New("consensus: preceding entry didn't match")

	// ErrCASFailed marks a ChangeConfig request whose caller-supplied
	// committed_config.opid_index does not match the current one.
	ErrCASFailed = errors.New("consensus: cas failed")

	// ErrCannotPrepare marks a RequestVote the replica cannot currently
	// grant (already voted this term, or a less up-to-date candidate).
	// A stale candidate term is reported as ErrInvalidTerm instead.
	ErrCannotPrepare = errors.New("consensus: cannot prepare")

	// ErrNotTheLeader marks an operation requested of a replica that
	// does not believe itself to be the current leader.
	ErrNotTheLeader = errors.New("consensus: not the leader")
)

// UpdateConsensusRequest carries a leader's push of replicate ops to a
// follower (§4.10). Ops is empty for a pure heartbeat.
type UpdateConsensusRequest struct {
	CallerUUID         string
	CallerTerm         uint64
	PrecedingOpID      walcore.OpID
	Ops                []walcore.ReplicateMessage
	CommittedIndex     uint64
	AllReplicatedIndex uint64
}

// UpdateConsensusResponse reports the replica's resulting state. Status is
// nil on success; on rejection it wraps one of the sentinel errors above or
// walcore.ErrInvalidArgument / walcore.ErrServiceUnavailable, with detail
// matching §4.10's exact message text where the spec names one.
type UpdateConsensusResponse struct {
	CurrentTerm               uint64
	CommittedIndex            uint64
	LastCommittedIdx          uint64
	LastReceived              walcore.OpID
	LastReceivedCurrentLeader walcore.OpID
	Status                    error
}

// RequestVoteRequest is a candidate's solicitation for this replica's vote.
type RequestVoteRequest struct {
	CandidateUUID       string
	CandidateTerm       uint64
	CandidateStatusOpID walcore.OpID
	IsPreElection       bool
}

type RequestVoteResponse struct {
	CurrentTerm uint64
	VoteGranted bool
	Status      error
}

// ChangeConfigRequest proposes a new committed configuration, optionally
// CAS-guarded against CasConfigOpIDIndex (use -1 to skip the CAS check).
type ChangeConfigRequest struct {
	NewConfigOpIDIndex int64
	CasConfigOpIDIndex int64
}

type ChangeConfigResponse struct {
	CommittedConfigOpIDIndex int64
	Status                   error
}

// LeaderStepDownRequest asks the current leader to relinquish leadership.
type LeaderStepDownRequest struct {
	Mode string // "GRACEFUL" or "ABRUPT"
}

type LeaderStepDownResponse struct {
	Status error
}
