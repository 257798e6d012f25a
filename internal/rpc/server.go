package rpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/ecg.report/internal/connection"
	"github.com/banshee-data/ecg.report/internal/monitoring"
	"github.com/banshee-data/ecg.report/internal/session"
)

var logf = monitoring.Component("grpc")

const (
	watchBuffer   = 64
	toggleTimeout = 5 * time.Second
)

// Sessions is the orchestrator surface the service drives.
type Sessions interface {
	Toggle(ctx context.Context) error
	Connect() error
	Status() session.Status
	Subscribe(buffer int) (string, <-chan session.Event)
	Unsubscribe(id string)
}

// ConnectionStatus reports the sensing connection. Optional.
type ConnectionStatus interface {
	Status() connection.Status
}

// Ensure Server implements the service.
var _ SessionServer = (*Server)(nil)

type Server struct {
	sessions Sessions
	conn     ConnectionStatus
}

// NewServer returns a service over sessions. conn may be nil.
func NewServer(sessions Sessions, conn ConnectionStatus) *Server {
	return &Server{sessions: sessions, conn: conn}
}

// NewGRPCServer returns a grpc.Server with the session service and request
// logging installed.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(logUnary),
		grpc.ChainStreamInterceptor(logStream),
	)
	gs := grpc.NewServer(opts...)
	RegisterSessionServer(gs, srv)
	return gs
}

func (s *Server) Toggle(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, toggleTimeout)
	defer cancel()
	if err := s.sessions.Toggle(ctx); err != nil {
		return nil, toStatusError(err)
	}
	return s.status()
}

func (s *Server) Connect(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.sessions.Connect(); err != nil {
		return nil, toStatusError(err)
	}
	return s.status()
}

func (s *Server) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return s.status()
}

// Watch streams the current status followed by every orchestrator event
// until the client goes away or the orchestrator shuts down.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	id, events := s.sessions.Subscribe(watchBuffer)
	defer s.sessions.Unsubscribe(id)

	first, err := s.status()
	if err != nil {
		return err
	}
	first.Fields["type"] = structpb.NewStringValue("status")
	if err := stream.Send(first); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := EventToStruct(e)
			if err != nil {
				return status.Errorf(codes.Internal, "encode %s event: %v", e.Type, err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) status() (*structpb.Struct, error) {
	var cs *connection.Status
	if s.conn != nil {
		c := s.conn.Status()
		cs = &c
	}
	msg, err := StatusToStruct(s.sessions.Status(), cs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return msg, nil
}

// toStatusError maps orchestrator errors onto gRPC codes.
func toStatusError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, session.ErrNoPermission):
		code = codes.PermissionDenied
	case errors.Is(err, session.ErrNoConnection), errors.Is(err, session.ErrTrackerUnsupported):
		code = codes.FailedPrecondition
	case errors.Is(err, session.ErrShutdown), errors.Is(err, connection.ErrConnectionFatal):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logf("%s %s %vms", info.FullMethod, status.Code(err), float64(time.Since(start).Nanoseconds())/1e6)
	return resp, err
}

func logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	logf("%s opened", info.FullMethod)
	err := handler(srv, ss)
	logf("%s closed: %s", info.FullMethod, status.Code(err))
	return err
}
