package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FunctionRPCServiceName               = "AzureFunctionsRpcMessages.FunctionRpc"
	FunctionRPCEventStreamFullMethodName = "/AzureFunctionsRpcMessages.FunctionRpc/EventStream"
)

type (
	// FunctionRPCClient is the worker side of the FunctionRpc service.
	FunctionRPCClient interface {
		EventStream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[StreamingMessage, StreamingMessage], error)
	}

	// FunctionRPCServer is the host side of the FunctionRpc service, as
	// implemented by test hosts.
	FunctionRPCServer interface {
		EventStream(grpc.BidiStreamingServer[StreamingMessage, StreamingMessage]) error
	}

	// UnimplementedFunctionRPCServer may be embedded for forward
	// compatibility.
	UnimplementedFunctionRPCServer struct{}

	functionRPCClient struct {
		cc grpc.ClientConnInterface
	}
)

var _ FunctionRPCServer = UnimplementedFunctionRPCServer{}

// FunctionRPCServiceDesc is the grpc.ServiceDesc for the FunctionRpc
// service.
var FunctionRPCServiceDesc = grpc.ServiceDesc{
	ServiceName: FunctionRPCServiceName,
	HandlerType: (*FunctionRPCServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       functionRPCEventStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "FunctionRpc.proto",
}

// NewFunctionRPCClient returns a client that encodes messages using the
// [Codec] registered by this package.
func NewFunctionRPCClient(cc grpc.ClientConnInterface) FunctionRPCClient {
	return &functionRPCClient{cc}
}

func (c *functionRPCClient) EventStream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[StreamingMessage, StreamingMessage], error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod(), grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &FunctionRPCServiceDesc.Streams[0], FunctionRPCEventStreamFullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[StreamingMessage, StreamingMessage]{ClientStream: stream}, nil
}

// RegisterFunctionRPCServer registers srv with s.
func RegisterFunctionRPCServer(s grpc.ServiceRegistrar, srv FunctionRPCServer) {
	s.RegisterService(&FunctionRPCServiceDesc, srv)
}

func (UnimplementedFunctionRPCServer) EventStream(grpc.BidiStreamingServer[StreamingMessage, StreamingMessage]) error {
	return status.Error(codes.Unimplemented, "method EventStream not implemented")
}

func functionRPCEventStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FunctionRPCServer).EventStream(&grpc.GenericServerStream[StreamingMessage, StreamingMessage]{ServerStream: stream})
}
