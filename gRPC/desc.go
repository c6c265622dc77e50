package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dnnbridge.Bridge"

// FileName is the proto file declaring the service. It is built in code and
// registered globally so reflection clients can describe the service.
const FileName = "dnnbridge.proto"

func init() {
	fd, err := protodesc.NewFile(fileDescriptor(), protoregistry.GlobalFiles)
	if err == nil {
		err = protoregistry.GlobalFiles.RegisterFile(fd)
	}
	if err != nil {
		panic("rpc: register " + FileName + ": " + err.Error())
	}
}

// fileDescriptor is the equivalent of:
//
//	syntax = "proto3";
//	package dnnbridge;
//	service Bridge {
//	  rpc LoadNetwork(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Infer(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc ReleaseNetwork(google.protobuf.Struct) returns (google.protobuf.Empty);
//	  rpc ListNetworks(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Shutdown(google.protobuf.Empty) returns (google.protobuf.Empty);
//	}
func fileDescriptor() *descriptorpb.FileDescriptorProto {
	const (
		structType = ".google.protobuf.Struct"
		emptyType  = ".google.protobuf.Empty"
	)
	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(out),
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(FileName),
		Package:    proto.String("dnnbridge"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/struct.proto", "google/protobuf/empty.proto"},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Bridge"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("LoadNetwork", structType, structType),
				method("Infer", structType, structType),
				method("ReleaseNetwork", structType, emptyType),
				method("ListNetworks", emptyType, structType),
				method("Shutdown", emptyType, emptyType),
			},
		}},
	}
}

const (
	methodLoadNetwork    = "/" + ServiceName + "/LoadNetwork"
	methodInfer          = "/" + ServiceName + "/Infer"
	methodReleaseNetwork = "/" + ServiceName + "/ReleaseNetwork"
	methodListNetworks   = "/" + ServiceName + "/ListNetworks"
	methodShutdown       = "/" + ServiceName + "/Shutdown"
)

// BridgeServer is the server API. Requests and replies are protobuf well-known types
// so the service needs no generated code.
type BridgeServer interface {
	LoadNetwork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Infer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseNetwork(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListNetworks(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req any, Resp any](method string, call func(BridgeServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BridgeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BridgeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes dnnbridge.Bridge for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadNetwork", Handler: unary(methodLoadNetwork, BridgeServer.LoadNetwork)},
		{MethodName: "Infer", Handler: unary(methodInfer, BridgeServer.Infer)},
		{MethodName: "ReleaseNetwork", Handler: unary(methodReleaseNetwork, BridgeServer.ReleaseNetwork)},
		{MethodName: "ListNetworks", Handler: unary(methodListNetworks, BridgeServer.ListNetworks)},
		{MethodName: "Shutdown", Handler: unary(methodShutdown, BridgeServer.Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: FileName,
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&ServiceDesc, srv)
}
