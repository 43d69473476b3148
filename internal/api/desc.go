package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name of the control API.
const ServiceName = "duet.v1.Control"

// ControlServer is the server side of the control API. Requests and
// responses are protobuf well-known types; structured payloads travel as
// structpb.Struct and decode into the view types in this package.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	OpenConversation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Messages(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Send(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Friends(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AddFriend(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	UpdateProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCall(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	AcceptCall(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	DeclineCall(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	EndCall(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CallHistory(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
	Watch(*wrapperspb.StringValue, grpc.ServerStream) error
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("OpenConversation", ControlServer.OpenConversation),
		unary("Messages", ControlServer.Messages),
		unary("Send", ControlServer.Send),
		unary("Friends", ControlServer.Friends),
		unary("AddFriend", ControlServer.AddFriend),
		unary("UpdateProfile", ControlServer.UpdateProfile),
		unary("StartCall", ControlServer.StartCall),
		unary("AcceptCall", ControlServer.AcceptCall),
		unary("DeclineCall", ControlServer.DeclineCall),
		unary("EndCall", ControlServer.EndCall),
		unary("CallHistory", ControlServer.CallHistory),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "duet/v1/control.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor for one request/response RPC.
func unary[Req any, P interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(ControlServer, context.Context, P) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := P(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(P))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, stream)
}
