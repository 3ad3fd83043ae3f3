package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "kvcache.objstore.v1.ObjectStore"

// Full method names, as used by clients and interceptors
const (
	MethodCreateMetadata = "/" + ServiceName + "/CreateMetadata"
	MethodFetchObject    = "/" + ServiceName + "/FetchObject"
	MethodDeleteObject   = "/" + ServiceName + "/DeleteObject"
)

// ObjectStoreServer is the server API for the object store service.
// Records travel encoded with objstore.EncodeRecord inside protobuf wrapper messages.
type ObjectStoreServer interface {
	CreateMetadata(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error)
	FetchObject(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	DeleteObject(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

// RegisterObjectStoreServer registers srv with s
func RegisterObjectStoreServer(s grpc.ServiceRegistrar, srv ObjectStoreServer) {
	s.RegisterService(&ObjectStoreServiceDesc, srv)
}

// ObjectStoreServiceDesc describes the object store service for grpc.Server
var ObjectStoreServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ObjectStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateMetadata", Handler: createMetadataHandler},
		{MethodName: "FetchObject", Handler: fetchObjectHandler},
		{MethodName: "DeleteObject", Handler: deleteObjectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvcache/objstore/v1/objstore.proto",
}

func createMetadataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).CreateMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCreateMetadata}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ObjectStoreServer).CreateMetadata(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchObjectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).FetchObject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodFetchObject}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ObjectStoreServer).FetchObject(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteObjectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectStoreServer).DeleteObject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodDeleteObject}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ObjectStoreServer).DeleteObject(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}
