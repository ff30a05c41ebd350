package controlapi

import (
	"context"

	"google.golang.org/grpc"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "courier.control.v1.Control"

const (
	MethodStats  = "/" + ServiceName + "/Stats"
	MethodFlush  = "/" + ServiceName + "/Flush"
	MethodPause  = "/" + ServiceName + "/Pause"
	MethodResume = "/" + ServiceName + "/Resume"
	MethodClear  = "/" + ServiceName + "/Clear"
)

// ControlServer is the server side of the control service. All methods
// take an empty request.
type ControlServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Flush(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Clear(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ServiceDesc describes the control service over protobuf well-known types,
// so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: unaryHandler(MethodStats, ControlServer.Stats)},
		{MethodName: "Flush", Handler: unaryHandler(MethodFlush, ControlServer.Flush)},
		{MethodName: "Pause", Handler: unaryHandler(MethodPause, ControlServer.Pause)},
		{MethodName: "Resume", Handler: unaryHandler(MethodResume, ControlServer.Resume)},
		{MethodName: "Clear", Handler: unaryHandler(MethodClear, ControlServer.Clear)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "courier/control/v1/control.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Resp any](fullMethod string, call func(ControlServer, context.Context, *emptypb.Empty) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls the control service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStats, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Flush(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invokeEmpty(ctx, MethodFlush, opts)
}

func (c *Client) Pause(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invokeEmpty(ctx, MethodPause, opts)
}

func (c *Client) Resume(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invokeEmpty(ctx, MethodResume, opts)
}

func (c *Client) Clear(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invokeEmpty(ctx, MethodClear, opts)
}

func (c *Client) invokeEmpty(ctx context.Context, method string, opts []grpc.CallOption) error {
	return c.cc.Invoke(ctx, method, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
