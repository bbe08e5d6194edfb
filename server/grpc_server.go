package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nexusdb/tabletwal/consensus"
	"github.com/nexusdb/tabletwal/consensus/consensuspb"
	"github.com/nexusdb/tabletwal/walcore"
)

// consensusServiceName is the name under which the driver's health is
// reported, mirroring how a generated *_grpc.pb.go's ServiceDesc.ServiceName
// would be registered had a .proto been compiled for this RPC surface.
const consensusServiceName = "nexusdb.tabletwal.consensus.ConsensusService"

// ConsensusGRPCServer hosts the health and reflection services for a
// tablet's consensus.Driver over a real gRPC listener. The driver's
// UpdateConsensus/RequestVote/ChangeConfig RPCs are reached in-process by
// Bridge rather than through a generated ConsensusService stub: wiring them
// onto the wire requires a .proto-compiled client/server pair, and no
// protoc toolchain runs as part of this build. Driver is still exercised
// over the network boundary that exists today — health checks and
// reflection — and Bridge gives a future generated stub a single call site
// to delegate to.
type ConsensusGRPCServer struct {
	driver    *consensus.Driver
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

// NewConsensusGRPCServer wraps driver behind a gRPC server exposing health
// and reflection.
func NewConsensusGRPCServer(driver *consensus.Driver, logger *slog.Logger) *ConsensusGRPCServer {
	s := &ConsensusGRPCServer{
		driver:    driver,
		healthSrv: health.NewServer(),
		logger:    logger.With("component", "ConsensusGRPCServer"),
	}

	s.server = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	reflection.Register(s.server)

	return s
}

// Start begins serving on lis, marking the consensus service SERVING once
// the driver has finished recovering the underlying log.
func (s *ConsensusGRPCServer) Start(lis net.Listener) error {
	s.logger.Info("consensus gRPC server listening", "address", lis.Addr().String())
	s.healthSrv.SetServingStatus(consensusServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *ConsensusGRPCServer) Stop() {
	s.logger.Info("stopping consensus gRPC server")
	s.healthSrv.Shutdown()
	s.server.GracefulStop()
}

// Bridge adapts a consensus.Driver's methods to consensuspb's wire shapes,
// keeping the translation in one place regardless of which transport
// eventually carries it (today: none; a future generated ConsensusService
// stub calls these instead of consensus.Driver directly).
type Bridge struct {
	Driver *consensus.Driver
}

// NewBridge returns a Bridge over driver.
func NewBridge(driver *consensus.Driver) *Bridge {
	return &Bridge{Driver: driver}
}

func toOpID(o consensuspb.OpID) walcore.OpID { return walcore.OpID{Term: o.Term, Index: o.Index} }
func fromOpID(o walcore.OpID) consensuspb.OpID {
	return consensuspb.OpID{Term: o.Term, Index: o.Index}
}

func statusMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// UpdateConsensus translates req into a consensus.UpdateConsensusRequest,
// calls the driver, and translates the result back to wire shape.
func (b *Bridge) UpdateConsensus(ctx context.Context, req consensuspb.UpdateConsensusRequest) (consensuspb.UpdateConsensusResponse, error) {
	ops := make([]walcore.ReplicateMessage, len(req.Ops))
	for i, op := range req.Ops {
		ops[i] = walcore.ReplicateMessage{OpID: toOpID(op.OpID), Timestamp: op.Timestamp, Payload: op.Payload}
	}

	resp, err := b.Driver.UpdateConsensus(ctx, consensus.UpdateConsensusRequest{
		CallerUUID:         req.CallerUuid,
		CallerTerm:         req.CallerTerm,
		PrecedingOpID:      toOpID(req.PrecedingOpId),
		Ops:                ops,
		CommittedIndex:     req.CommittedIndex,
		AllReplicatedIndex: req.AllReplicatedIndex,
	})
	if err != nil {
		return consensuspb.UpdateConsensusResponse{}, err
	}

	return consensuspb.UpdateConsensusResponse{
		CurrentTerm:               resp.CurrentTerm,
		CommittedIndex:            resp.CommittedIndex,
		LastCommittedIdx:          resp.LastCommittedIdx,
		LastReceived:              fromOpID(resp.LastReceived),
		LastReceivedCurrentLeader: fromOpID(resp.LastReceivedCurrentLeader),
		StatusMessage:             statusMessage(resp.Status),
	}, nil
}

// RequestVote translates req into a consensus.RequestVoteRequest.
func (b *Bridge) RequestVote(ctx context.Context, req consensuspb.RequestVoteRequest) (consensuspb.RequestVoteResponse, error) {
	resp, err := b.Driver.RequestVote(ctx, consensus.RequestVoteRequest{
		CandidateUUID:       req.CandidateUuid,
		CandidateTerm:       req.CandidateTerm,
		CandidateStatusOpID: toOpID(req.CandidateStatusOpId),
		IsPreElection:       req.IsPreElection,
	})
	if err != nil {
		return consensuspb.RequestVoteResponse{}, err
	}
	return consensuspb.RequestVoteResponse{
		CurrentTerm:   resp.CurrentTerm,
		VoteGranted:   resp.VoteGranted,
		StatusMessage: statusMessage(resp.Status),
	}, nil
}

// ChangeConfig translates req into a consensus.ChangeConfigRequest.
func (b *Bridge) ChangeConfig(ctx context.Context, req consensuspb.ChangeConfigRequest) (consensuspb.ChangeConfigResponse, error) {
	resp, err := b.Driver.ChangeConfig(ctx, consensus.ChangeConfigRequest{
		NewConfigOpIDIndex: req.NewConfigOpIdIndex,
		CasConfigOpIDIndex: req.CasConfigOpIdIndex,
	})
	if err != nil {
		return consensuspb.ChangeConfigResponse{}, err
	}
	return consensuspb.ChangeConfigResponse{
		CommittedConfigOpIdIndex: resp.CommittedConfigOpIDIndex,
		StatusMessage:            statusMessage(resp.Status),
	}, nil
}

// LeaderStepDown translates req into a consensus.LeaderStepDownRequest.
func (b *Bridge) LeaderStepDown(ctx context.Context, req consensuspb.LeaderStepDownRequest) (consensuspb.LeaderStepDownResponse, error) {
	resp, err := b.Driver.LeaderStepDown(ctx, consensus.LeaderStepDownRequest{Mode: req.Mode})
	if err != nil {
		return consensuspb.LeaderStepDownResponse{}, err
	}
	return consensuspb.LeaderStepDownResponse{StatusMessage: statusMessage(resp.Status)}, nil
}
