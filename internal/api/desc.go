package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified gRPC service names.
const (
	MessagingServiceName = "nostrdm.v1.MessagingService"
	SyncServiceName      = "nostrdm.v1.SyncService"
	SessionServiceName   = "nostrdm.v1.SessionService"
)

// MessagingServer is implemented by MessagingService.
type MessagingServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchMessages(*structpb.Struct, grpc.ServerStream) error
}

// SyncServer is implemented by SyncService.
type SyncServer interface {
	GetSyncStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SessionServer is implemented by SessionService.
type SessionServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// unary builds a MethodDesc that decodes a Struct and dispatches to call,
// honoring any server interceptor.
func unary[S any](service, method string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var messagingDesc = grpc.ServiceDesc{
	ServiceName: MessagingServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessagingServiceName, "SendMessage", MessagingServer.SendMessage),
		unary(MessagingServiceName, "ListConversations", MessagingServer.ListConversations),
		unary(MessagingServiceName, "ListMessages", MessagingServer.ListMessages),
		unary(MessagingServiceName, "MarkRead", MessagingServer.MarkRead),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchMessages",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessagingServer).WatchMessages(in, stream)
			},
		},
	},
	Metadata: "nostrdm/v1/messaging.proto",
}

var syncDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetSyncStatus", SyncServer.GetSyncStatus),
		unary(SyncServiceName, "StartSync", SyncServer.StartSync),
		unary(SyncServiceName, "StopSync", SyncServer.StopSync),
	},
	Metadata: "nostrdm/v1/sync.proto",
}

var sessionDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "SignOut", SessionServer.SignOut),
	},
	Metadata: "nostrdm/v1/session.proto",
}

func RegisterMessagingServer(r grpc.ServiceRegistrar, srv MessagingServer) {
	r.RegisterService(&messagingDesc, srv)
}

func RegisterSyncServer(r grpc.ServiceRegistrar, srv SyncServer) {
	r.RegisterService(&syncDesc, srv)
}

func RegisterSessionServer(r grpc.ServiceRegistrar, srv SessionServer) {
	r.RegisterService(&sessionDesc, srv)
}
