package objstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/telemetry"
)

const backendMemory = "memory"

// MemoryStore keeps records in process memory. Records are shared, not copied:
// their sealed tensors are immutable.
type MemoryStore struct {
	instance uint16
	seq      atomic.Uint64

	mu      sync.RWMutex
	objects map[ObjectID]*Record

	logger  log.Logger
	metrics StoreMetrics
	stats   stats.Collector
}

// NewMemoryStore creates an empty store issuing ids tagged with instance
func NewMemoryStore(instance uint16, opts ...Option) *MemoryStore {
	o := applyOptions("objstore", opts)
	return &MemoryStore{
		instance: instance,
		objects:  make(map[ObjectID]*Record),
		logger:   o.logger.WithField("backend", backendMemory),
		metrics:  o.metrics,
		stats:    o.stats,
	}
}

// Instance returns the instance id carried by ids this store issues
func (s *MemoryStore) Instance() uint16 {
	return s.instance
}

// CreateMetadata stores rec under a new id
func (s *MemoryStore) CreateMetadata(ctx context.Context, rec *Record) (id ObjectID, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeCreate, stats.OpCreate, start, err) }()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	id = NewObjectID(s.instance, s.seq.Add(1))

	s.mu.Lock()
	s.objects[id] = rec
	s.mu.Unlock()

	s.metrics.RecordBytes(ctx, backendMemory, telemetry.OpTypeCreate, rec.Size())
	if s.stats != nil {
		s.stats.TrackBytes(true, uint64(rec.Size()))
	}
	s.logger.Debug("Created object %s (%d layers, capacity %d)", id, rec.Layers, rec.Capacity)
	return id, nil
}

// FetchObject returns the record stored under id
func (s *MemoryStore) FetchObject(ctx context.Context, id ObjectID) (obj *Object, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeFetch, stats.OpFetch, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rec, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.metrics.RecordBytes(ctx, backendMemory, telemetry.OpTypeFetch, rec.Size())
	if s.stats != nil {
		s.stats.TrackBytes(false, uint64(rec.Size()))
	}
	return &Object{ID: id, Record: rec}, nil
}

// DeleteObject removes the record stored under id
func (s *MemoryStore) DeleteObject(ctx context.Context, id ObjectID) (err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeDelete, stats.OpDelete, start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	_, ok := s.objects[id]
	delete(s.objects, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.logger.Debug("Deleted object %s", id)
	return nil
}

// List returns the ids of all stored objects in ascending order
func (s *MemoryStore) List(ctx context.Context) ([]ObjectID, error) {
	s.mu.RLock()
	ids := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Len returns the number of stored objects
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) observe(ctx context.Context, opType string, op stats.OperationType, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.RecordOperation(ctx, backendMemory, opType, elapsed, err)
	if s.stats == nil {
		return
	}
	s.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		s.stats.TrackError("objstore_" + errorType(err))
	}
}
