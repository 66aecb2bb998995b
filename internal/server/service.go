package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "toolrpc.v1.ToolService"

	methodInitialize   = "/" + ServiceName + "/Initialize"
	methodListTools    = "/" + ServiceName + "/ListTools"
	methodInvoke       = "/" + ServiceName + "/Invoke"
	methodInvokeStream = "/" + ServiceName + "/InvokeStream"
)

// ToolServiceServer is the server side of toolrpc.v1.ToolService. All
// messages are google.protobuf.Struct.
type ToolServiceServer interface {
	Initialize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvokeStream(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes toolrpc.v1.ToolService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initialize", Handler: unaryHandler(methodInitialize, ToolServiceServer.Initialize)},
		{MethodName: "ListTools", Handler: unaryHandler(methodListTools, ToolServiceServer.ListTools)},
		{MethodName: "Invoke", Handler: unaryHandler(methodInvoke, ToolServiceServer.Invoke)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InvokeStream",
			Handler:       invokeStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "toolrpc/v1/tool_service.proto",
}

// RegisterToolServiceServer registers srv on s.
func RegisterToolServiceServer(s grpc.ServiceRegistrar, srv ToolServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(ToolServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ToolServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ToolServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func invokeStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ToolServiceServer).InvokeStream(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
