// Package remote exposes program execution over gRPC. The wire format
// is encoding/gob behind a registered codec, and the zbf.Runner service
// descriptor is written by hand; there is no generated code.
//
// Methods:
//
//	Submit  store a program in the catalog
//	Run     execute inline source or a stored program
//	Get     fetch a stored program with its source
//	Watch   stream a program's run records as they append
package remote

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName identifies the service. Method paths follow the gRPC
// convention /<service>/<method>.
const ServiceName = "zbf.Runner"

const (
	methodSubmit = "/" + ServiceName + "/Submit"
	methodRun    = "/" + ServiceName + "/Run"
	methodGet    = "/" + ServiceName + "/Get"
	methodWatch  = "/" + ServiceName + "/Watch"
)

// RunnerServer is the service contract. Server implements it; the
// descriptor below binds it to the gRPC machinery.
type RunnerServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error)
	Run(ctx context.Context, req *RunRequest) (*RunReply, error)
	Get(ctx context.Context, req *GetRequest) (*GetReply, error)
	Watch(req *WatchRequest, stream RunnerWatchServer) error
}

// RunnerWatchServer is the server side of a Watch stream.
type RunnerWatchServer interface {
	Send(*RecordEvent) error
	grpc.ServerStream
}

type runnerWatchServer struct {
	grpc.ServerStream
}

func (s *runnerWatchServer) Send(ev *RecordEvent) error {
	return s.ServerStream.SendMsg(ev)
}

// runnerServiceDesc is the hand-written descriptor for zbf.Runner.
var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Get", Handler: getHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(SubmitRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Submit(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmit}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(RunRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Run(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRun}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(GetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Get(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RunnerServer).Watch(req, &runnerWatchServer{stream})
}
