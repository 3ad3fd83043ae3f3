// Package objstore holds sealed KV cache records and hands out the identities
// other workers use to find them again.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevoDB/kvcache/pkg/bitmap"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

var (
	// ErrNotFound is returned when no object exists for an id
	ErrNotFound = errors.New("object not found")
	// ErrIO is returned when the backing medium or a peer fails
	ErrIO = errors.New("object store I/O error")
	// ErrInvalidRecord is returned for records that are malformed or fail their checksum
	ErrInvalidRecord = errors.New("invalid object record")
	// ErrInstanceConflict is returned when two stores issue ids under the same instance id
	ErrInstanceConflict = errors.New("instance id conflict")
)

// ObjectID identifies a sealed object. The upper 16 bits carry the instance id of the
// store that issued it, the lower 48 bits a per-instance sequence number.
type ObjectID uint64

const sequenceBits = 48

// NewObjectID builds an id from an instance id and a sequence number
func NewObjectID(instance uint16, seq uint64) ObjectID {
	return ObjectID(uint64(instance)<<sequenceBits | seq&(1<<sequenceBits-1))
}

// Instance returns the id of the store instance that issued this id
func (id ObjectID) Instance() uint16 {
	return uint16(uint64(id) >> sequenceBits)
}

// Sequence returns the per-instance sequence number
func (id ObjectID) Sequence() uint64 {
	return uint64(id) & (1<<sequenceBits - 1)
}

func (id ObjectID) String() string {
	return fmt.Sprintf("o%016x", uint64(id))
}

// ParseObjectID parses the form produced by String. The leading "o" is optional.
func ParseObjectID(s string) (ObjectID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "o"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return ObjectID(v), nil
}

// Record is the typed metadata of a sealed block: its shape, the bitmap snapshot
// taken at seal time and one key and one value tensor per layer.
type Record struct {
	TypeName  string
	Layers    int
	Capacity  int
	SlotWidth int
	Bitmap    []uint64
	Keys      []*tensor.Sealed
	Values    []*tensor.Sealed
}

// TensorSize returns the byte length every tensor of the record must have
func (r *Record) TensorSize() int {
	return r.Capacity * r.SlotWidth
}

// Size returns the total number of tensor bytes held by the record
func (r *Record) Size() int64 {
	return int64(2*r.Layers) * int64(r.TensorSize())
}

// Validate checks that the record's tensors and bitmap agree with its shape
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.TypeName == "" {
		return fmt.Errorf("%w: empty type name", ErrInvalidRecord)
	}
	if r.Layers <= 0 || r.Capacity <= 0 || r.SlotWidth <= 0 {
		return fmt.Errorf("%w: invalid shape layers=%d capacity=%d slot_width=%d",
			ErrInvalidRecord, r.Layers, r.Capacity, r.SlotWidth)
	}
	if want := bitmap.WordCount(r.Capacity); len(r.Bitmap) != want {
		return fmt.Errorf("%w: bitmap has %d words, want %d", ErrInvalidRecord, len(r.Bitmap), want)
	}
	if len(r.Keys) != r.Layers || len(r.Values) != r.Layers {
		return fmt.Errorf("%w: %d key and %d value tensors for %d layers",
			ErrInvalidRecord, len(r.Keys), len(r.Values), r.Layers)
	}

	size := r.TensorSize()
	for l := 0; l < r.Layers; l++ {
		if r.Keys[l] == nil || r.Keys[l].Len() != size {
			return fmt.Errorf("%w: key tensor of layer %d does not hold %d bytes", ErrInvalidRecord, l, size)
		}
		if r.Values[l] == nil || r.Values[l].Len() != size {
			return fmt.Errorf("%w: value tensor of layer %d does not hold %d bytes", ErrInvalidRecord, l, size)
		}
	}
	return nil
}

// Object is a record together with the id it is stored under
type Object struct {
	ID     ObjectID
	Record *Record
}

// Store is the object store collaborator used by block builders.
// Implementations are safe for concurrent use.
type Store interface {
	// CreateMetadata stores rec and returns its new id
	CreateMetadata(ctx context.Context, rec *Record) (ObjectID, error)

	// FetchObject returns the object for id. The returned id may differ from the
	// requested one when the store had to create a local replica.
	FetchObject(ctx context.Context, id ObjectID) (*Object, error)

	// DeleteObject removes the object for id
	DeleteObject(ctx context.Context, id ObjectID) error
}

// Instancer is implemented by stores that stamp their own instance id into the ids they issue
type Instancer interface {
	Instance() uint16
}

// Lister is implemented by stores that can enumerate the objects they hold
type Lister interface {
	List(ctx context.Context) ([]ObjectID, error)
}
