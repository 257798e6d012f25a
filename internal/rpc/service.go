// Package rpc exposes the ECG session over gRPC as the ecg.v1.Session
// service. Messages are protobuf well-known types: requests are
// google.protobuf.Empty, status snapshots and events are
// google.protobuf.Struct.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "ecg.v1.Session"

// Full method names.
const (
	ToggleMethod    = "/" + ServiceName + "/Toggle"
	ConnectMethod   = "/" + ServiceName + "/Connect"
	GetStatusMethod = "/" + ServiceName + "/GetStatus"
	WatchMethod     = "/" + ServiceName + "/Watch"
)

// SessionServer is the server API for the ecg.v1.Session service.
type SessionServer interface {
	Toggle(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Connect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes ecg.v1.Session for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Toggle", Handler: unaryHandler(ToggleMethod, SessionServer.Toggle)},
		{MethodName: "Connect", Handler: unaryHandler(ConnectMethod, SessionServer.Connect)},
		{MethodName: "GetStatus", Handler: unaryHandler(GetStatusMethod, SessionServer.GetStatus)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "ecg/v1/session.proto",
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(SessionServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SessionServer).Watch(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Client calls the ecg.v1.Session service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) unary(ctx context.Context, method string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Toggle(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, ToggleMethod, opts...)
}

func (c *Client) Connect(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, ConnectMethod, opts...)
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, GetStatusMethod, opts...)
}

// Watch opens the event stream. The first message is the current status.
func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
