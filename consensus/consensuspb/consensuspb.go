// Package consensuspb defines the wire shape of the consensus driver's RPC
// surface: the same message fields a ConsensusService.proto would compile
// to, hand-written rather than protoc-generated since no codegen toolchain
// runs as part of this build (see server.Bridge). Each message mirrors a
// consensus package request/response one field at a time so the adapter in
// server.Bridge stays a flat, reviewable copy rather than a clever mapping.
package consensuspb

// OpID identifies a single replicated operation by (term, index).
type OpID struct {
	Term  uint64
	Index uint64
}

// ReplicateMessage is one operation a leader pushes to a follower.
type ReplicateMessage struct {
	OpID      OpID
	Timestamp int64
	Payload   []byte
}

// UpdateConsensusRequest is the wire shape of consensus.UpdateConsensusRequest.
type UpdateConsensusRequest struct {
	CallerUuid         string
	CallerTerm         uint64
	PrecedingOpId      OpID
	Ops                []ReplicateMessage
	CommittedIndex     uint64
	AllReplicatedIndex uint64
}

// UpdateConsensusResponse is the wire shape of consensus.UpdateConsensusResponse.
// StatusMessage is empty on success; callers distinguish failure reasons by
// string prefix the way a real ConsensusService.proto would define a
// oneof/enum status code instead.
type UpdateConsensusResponse struct {
	CurrentTerm               uint64
	CommittedIndex            uint64
	LastCommittedIdx          uint64
	LastReceived              OpID
	LastReceivedCurrentLeader OpID
	StatusMessage             string
}

// RequestVoteRequest is the wire shape of consensus.RequestVoteRequest.
type RequestVoteRequest struct {
	CandidateUuid       string
	CandidateTerm       uint64
	CandidateStatusOpId OpID
	IsPreElection       bool
}

// RequestVoteResponse is the wire shape of consensus.RequestVoteResponse.
type RequestVoteResponse struct {
	CurrentTerm   uint64
	VoteGranted   bool
	StatusMessage string
}

// ChangeConfigRequest is the wire shape of consensus.ChangeConfigRequest.
type ChangeConfigRequest struct {
	NewConfigOpIdIndex int64
	CasConfigOpIdIndex int64
}

// ChangeConfigResponse is the wire shape of consensus.ChangeConfigResponse.
type ChangeConfigResponse struct {
	CommittedConfigOpIdIndex int64
	StatusMessage            string
}

// LeaderStepDownRequest is the wire shape of consensus.LeaderStepDownRequest.
type LeaderStepDownRequest struct {
	Mode string
}

// LeaderStepDownResponse is the wire shape of consensus.LeaderStepDownResponse.
type LeaderStepDownResponse struct {
	StatusMessage string
}
