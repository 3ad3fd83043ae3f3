package service

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/kvcache/pkg/objstore"
)

// ToStatus converts an object store error into a gRPC status error
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, objstore.ErrInvalidRecord):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus converts an error returned by a gRPC call back into an object store error.
// Anything that is not a known store condition surfaces as objstore.ErrIO.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", objstore.ErrIO, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", objstore.ErrInvalidRecord, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %w", objstore.ErrIO, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", objstore.ErrIO, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%w: %s: %s", objstore.ErrIO, st.Code(), st.Message())
	}
}
