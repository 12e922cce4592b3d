// Package server exposes a pickup scorer over gRPC so simulations on other
// hosts can share one loaded model.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dssg/vibrant-routing-public/internal/scorer"
)

// PickupScorerServer is the service contract registered with gRPC.
type PickupScorerServer interface {
	Score(ctx context.Context, req *structpb.Struct) (*wrapperspb.DoubleValue, error)
}

// Server implements PickupScorerServer on top of any scorer.Scorer.
type Server struct {
	scorer   scorer.Scorer
	served   atomic.Int64
	rejected atomic.Int64
}

// NewServer wraps s.
func NewServer(s scorer.Scorer) *Server {
	return &Server{scorer: s}
}

// Score decodes the feature row and returns the wrapped scorer's probability.
func (s *Server) Score(ctx context.Context, req *structpb.Struct) (*wrapperspb.DoubleValue, error) {
	row, err := scorer.StructToRow(req)
	if err != nil {
		s.rejected.Add(1)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	p, err := s.scorer.Score(ctx, row)
	if err != nil {
		s.rejected.Add(1)
		slog.Warn("Score failed", "error", err)
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	s.served.Add(1)
	return wrapperspb.Double(p), nil
}

// Stats returns served and rejected request counts.
func (s *Server) Stats() map[string]int64 {
	return map[string]int64{
		"served":   s.served.Load(),
		"rejected": s.rejected.Load(),
	}
}

// ============================================================================
// service registration
// ============================================================================

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PickupScorerServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: scorer.ScoreMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PickupScorerServer).Score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes vibrant.routing.v1.PickupScorer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "vibrant.routing.v1.PickupScorer",
	HandlerType: (*PickupScorerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vibrant/routing/v1/scorer.proto",
}

// Register attaches srv to a gRPC server.
func Register(gs *grpc.Server, srv PickupScorerServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// Serve listens on addr and blocks until ctx is cancelled or serving fails.
func Serve(ctx context.Context, addr string, s scorer.Scorer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	Register(gs, NewServer(s))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Scorer gRPC server listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
