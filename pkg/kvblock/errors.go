package kvblock

import "errors"

var (
	// ErrInvalidArgument is returned for bad indices, mismatched shapes or wrong lengths
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted is returned when a block has no free slot or tensor memory runs out.
	// It is ordinary control flow for callers that grow a tree of blocks.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidState is returned when a builder is used after Seal or Discard
	ErrInvalidState = errors.New("invalid builder state")

	// ErrInternal is returned when a collaborator fails in a way the caller cannot fix
	ErrInternal = errors.New("internal error")
)
