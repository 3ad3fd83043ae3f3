package service

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/objstore"
)

// ObjectStoreService serves an objstore.Store to peers.
// It should wrap the local store, not a replicating one, so peers never chain fetches.
type ObjectStoreService struct {
	store  objstore.Store
	codec  *objstore.RecordCodec
	logger log.Logger
}

// NewObjectStoreService creates a service for store. Fetched records are sent
// compressed with codec.
func NewObjectStoreService(store objstore.Store, codec objstore.Codec, logger log.Logger) (*ObjectStoreService, error) {
	rc, err := objstore.NewRecordCodec(codec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &ObjectStoreService{
		store:  store,
		codec:  rc,
		logger: logger.WithField("component", "objstore-service"),
	}, nil
}

// CreateMetadata decodes a record and stores it
func (s *ObjectStoreService) CreateMetadata(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.UInt64Value, error) {
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty record")
	}

	rec, err := s.codec.Decode(req.GetValue())
	if err != nil {
		return nil, ToStatus(err)
	}

	id, err := s.store.CreateMetadata(ctx, rec)
	if err != nil {
		s.logger.Warn("CreateMetadata failed: %v", err)
		return nil, ToStatus(err)
	}
	return wrapperspb.UInt64(uint64(id)), nil
}

// FetchObject returns the encoded record stored under the requested id
func (s *ObjectStoreService) FetchObject(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	id := objstore.ObjectID(req.GetValue())

	obj, err := s.store.FetchObject(ctx, id)
	if err != nil {
		return nil, ToStatus(err)
	}

	data, err := s.codec.Encode(obj.Record)
	if err != nil {
		s.logger.Error("Failed to encode object %s: %v", id, err)
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode object %s: %v", id, err))
	}
	return wrapperspb.Bytes(data), nil
}

// DeleteObject removes the object stored under the requested id
func (s *ObjectStoreService) DeleteObject(ctx context.Context, req *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	if err := s.store.DeleteObject(ctx, objstore.ObjectID(req.GetValue())); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Close releases the codec state
func (s *ObjectStoreService) Close() {
	s.codec.Close()
}
