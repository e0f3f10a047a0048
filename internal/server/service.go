package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolgate.v1.GatewayService"

// ExecuteMethod is the full method name of GatewayService.Execute.
const ExecuteMethod = "/" + ServiceName + "/Execute"

// GatewayServiceServer is the server API for GatewayService. Requests and
// responses are google.protobuf.Struct values carrying the JSON wire shape
// of the HTTP API.
type GatewayServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterGatewayServiceServer registers srv with s.
func RegisterGatewayServiceServer(s grpc.ServiceRegistrar, srv GatewayServiceServer) {
	s.RegisterService(&GatewayServiceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServiceServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServiceServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GatewayServiceDesc is the grpc.ServiceDesc for GatewayService.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgate/v1/gateway.proto",
}

// GatewayServiceClient is the client API for GatewayService.
type GatewayServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayServiceClient wraps a client connection.
func NewGatewayServiceClient(cc grpc.ClientConnInterface) *GatewayServiceClient {
	return &GatewayServiceClient{cc: cc}
}

// Execute calls GatewayService.Execute.
func (c *GatewayServiceClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ExecuteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
