// Package gateway carries the DVB control channel over gRPC: terminals push
// uplink frames (logon, logoff, SAC) to the NCC with Send and receive the
// downlink broadcast (SOF, TTP, logon responses) on a Subscribe stream.
// Frames travel as raw bytes; the DVB codec is the payload format.
package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "opensand.dama.v1.Gateway"

const (
	sendMethod      = "/" + ServiceName + "/Send"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// GatewayServer is the server API of the control channel.
type GatewayServer interface {
	// Send delivers one uplink frame to the NCC.
	Send(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	// Subscribe streams every downlink frame until the client goes away. The
	// request carries the terminal id, used for logging only.
	Subscribe(*wrapperspb.UInt32Value, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Gateway service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "opensand/dama/v1/gateway.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Send(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.UInt32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GatewayServer).Subscribe(in, &grpc.GenericServerStream[wrapperspb.UInt32Value, wrapperspb.BytesValue]{ServerStream: stream})
}
