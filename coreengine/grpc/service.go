package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kcore.v1.KernelService"

// Method names of KernelService.
const (
	MethodSpawn         = "Spawn"
	MethodTick          = "Tick"
	MethodSyscall       = "Syscall"
	MethodKill          = "Kill"
	MethodWaitPid       = "WaitPid"
	MethodListProcesses = "ListProcesses"
	MethodGetProcess    = "GetProcess"
	MethodPageFault     = "PageFault"
	MethodSystemStatus  = "SystemStatus"
	MethodListFaults    = "ListFaults"
	MethodWatchEvents   = "WatchEvents"
)

// FullMethod returns the wire path of a KernelService method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// KernelServiceServer is the server API for KernelService. Messages are
// google.protobuf.Struct values.
type KernelServiceServer interface {
	Spawn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tick(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Syscall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Kill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WaitPid(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProcesses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PageFault(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SystemStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFaults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterKernelServiceServer registers srv on s.
func RegisterKernelServiceServer(s grpc.ServiceRegistrar, srv KernelServiceServer) {
	s.RegisterService(&KernelServiceDesc, srv)
}

type unaryMethod func(KernelServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(KernelServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(KernelServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(KernelServiceServer).WatchEvents(in, &eventStream{stream})
}

// KernelServiceDesc is the grpc.ServiceDesc for KernelService.
var KernelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KernelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodSpawn, KernelServiceServer.Spawn),
		unaryHandler(MethodTick, KernelServiceServer.Tick),
		unaryHandler(MethodSyscall, KernelServiceServer.Syscall),
		unaryHandler(MethodKill, KernelServiceServer.Kill),
		unaryHandler(MethodWaitPid, KernelServiceServer.WaitPid),
		unaryHandler(MethodListProcesses, KernelServiceServer.ListProcesses),
		unaryHandler(MethodGetProcess, KernelServiceServer.GetProcess),
		unaryHandler(MethodPageFault, KernelServiceServer.PageFault),
		unaryHandler(MethodSystemStatus, KernelServiceServer.SystemStatus),
		unaryHandler(MethodListFaults, KernelServiceServer.ListFaults),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}
