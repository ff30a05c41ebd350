// Package controlapi exposes runtime control of a running courier over gRPC.
package controlapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/queue"
	"github.com/nuetzliches/courier/internal/snapshot"
)

// Controller is the subset of the client the control API drives.
type Controller interface {
	QueueStats() queue.Stats
	ProcessorState() processor.State
	Flush(ctx context.Context) error
	Pause()
	Resume()
	ClearQueue() error
}

type Server struct {
	Control Controller
	// Metrics returns extra counters reported by Stats. Values must be
	// representable by structpb.
	Metrics func() map[string]any
	Logger  *slog.Logger
}

func NewServer(control Controller) *Server {
	return &Server{Control: control}
}

var _ ControlServer = (*Server)(nil)

func (s *Server) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.Control == nil {
		return nil, status.Error(codes.Internal, "control is not configured")
	}
	st := s.Control.QueueStats()
	evictions := make(map[string]any, len(st.EvictionsByReason))
	for reason, n := range st.EvictionsByReason {
		evictions[reason] = n
	}
	queueStats := map[string]any{
		"immediate": st.Immediate,
		"normal":    st.Normal,
		"in_flight": st.InFlight,
		"total":     st.Total,
		"evictions": evictions,
	}
	if !st.OldestCreatedAt.IsZero() {
		queueStats["oldest_created_at"] = st.OldestCreatedAt.UTC().Format(time.RFC3339Nano)
	}
	out := map[string]any{
		"queue":     queueStats,
		"processor": map[string]any{"state": string(s.Control.ProcessorState())},
	}
	if s.Metrics != nil {
		out["metrics"] = s.Metrics()
	}
	res, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return res, nil
}

func (s *Server) Flush(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if s.Control == nil {
		return nil, status.Error(codes.Internal, "control is not configured")
	}
	if err := s.Control.Flush(ctx); err != nil {
		return nil, s.mapError("flush", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if s.Control == nil {
		return nil, status.Error(codes.Internal, "control is not configured")
	}
	s.Control.Pause()
	s.logger().Info("control_pause")
	return &emptypb.Empty{}, nil
}

func (s *Server) Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if s.Control == nil {
		return nil, status.Error(codes.Internal, "control is not configured")
	}
	s.Control.Resume()
	s.logger().Info("control_resume")
	return &emptypb.Empty{}, nil
}

func (s *Server) Clear(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if s.Control == nil {
		return nil, status.Error(codes.Internal, "control is not configured")
	}
	if err := s.Control.ClearQueue(); err != nil {
		return nil, s.mapError("clear", err)
	}
	s.logger().Info("control_clear")
	return &emptypb.Empty{}, nil
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) mapError(op string, err error) error {
	code := errorCode(err)
	if code == codes.Internal {
		s.logger().Error("control_op_failed", slog.String("op", op), slog.Any("err", err))
	}
	return status.Error(code, err.Error())
}

func errorCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, processor.ErrPaused), errors.Is(err, snapshot.ErrWriterClosed):
		return codes.FailedPrecondition
	case errors.Is(err, processor.ErrOffline):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
