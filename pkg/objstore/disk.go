package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/telemetry"
)

const (
	backendDisk = "disk"

	// ObjectFileExt is the extension of object files inside a disk store directory
	ObjectFileExt = ".kvb"
)

// DiskStore keeps one encoded record per file. Files are written atomically, so a
// crash leaves either the whole object or no object behind.
type DiskStore struct {
	dir      string
	instance uint16
	codec    *RecordCodec
	seq      atomic.Uint64

	// mu guards index; file contents are immutable once renamed into place
	mu    sync.RWMutex
	index map[ObjectID]struct{}

	logger  log.Logger
	metrics StoreMetrics
	stats   stats.Collector
}

// OpenDiskStore opens or creates a store in dir and scans the objects already there.
// Files that fail to decode are logged and skipped.
func OpenDiskStore(dir string, instance uint16, opts ...Option) (*DiskStore, error) {
	o := applyOptions("objstore", opts)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create store directory: %v", ErrIO, err)
	}

	codec, err := NewRecordCodec(o.codec)
	if err != nil {
		return nil, err
	}

	s := &DiskStore{
		dir:      dir,
		instance: instance,
		codec:    codec,
		index:    make(map[ObjectID]struct{}),
		logger:   o.logger.WithFields(map[string]interface{}{"backend": backendDisk, "dir": dir}),
		metrics:  o.metrics,
		stats:    o.stats,
	}

	if err := s.recover(); err != nil {
		codec.Close()
		return nil, err
	}
	return s, nil
}

// recover rebuilds the index from the files in the store directory
func (s *DiskStore) recover() error {
	var start time.Time
	if s.stats != nil {
		start = s.stats.StartRecovery()
	} else {
		start = time.Now()
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: failed to list store directory: %v", ErrIO, err)
	}

	var recovered, corrupted int
	var maxSeq uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ObjectFileExt) {
			continue
		}

		id, err := ParseObjectID(strings.TrimSuffix(name, ObjectFileExt))
		if err != nil {
			s.logger.Warn("Skipping unrecognized file %s", name)
			continue
		}

		if _, err := s.read(id); err != nil {
			s.logger.Warn("Skipping corrupted object %s: %v", id, err)
			corrupted++
			continue
		}

		s.index[id] = struct{}{}
		recovered++
		if id.Instance() == s.instance && id.Sequence() > maxSeq {
			maxSeq = id.Sequence()
		}
	}
	s.seq.Store(maxSeq)

	elapsed := time.Since(start)
	if s.stats != nil {
		s.stats.FinishRecovery(start, uint64(recovered), uint64(corrupted))
	}
	s.metrics.RecordRecovery(context.Background(), recovered, corrupted, elapsed)
	s.logger.Info("Recovered %d objects (%d corrupted) in %s", recovered, corrupted, elapsed)
	return nil
}

// Dir returns the store directory
func (s *DiskStore) Dir() string {
	return s.dir
}

// Instance returns the instance id carried by ids this store issues
func (s *DiskStore) Instance() uint16 {
	return s.instance
}

func (s *DiskStore) path(id ObjectID) string {
	return filepath.Join(s.dir, id.String()+ObjectFileExt)
}

// CreateMetadata encodes rec and writes it to a new object file
func (s *DiskStore) CreateMetadata(ctx context.Context, rec *Record) (id ObjectID, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeCreate, stats.OpCreate, start, err) }()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := s.codec.Encode(rec)
	if err != nil {
		return 0, err
	}

	id = NewObjectID(s.instance, s.seq.Add(1))
	if err := natomic.WriteFile(s.path(id), bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("%w: failed to write object %s: %v", ErrIO, id, err)
	}

	s.mu.Lock()
	s.index[id] = struct{}{}
	s.mu.Unlock()

	s.metrics.RecordBytes(ctx, backendDisk, telemetry.OpTypeCreate, int64(len(data)))
	if s.stats != nil {
		s.stats.TrackBytes(true, uint64(len(data)))
	}
	s.logger.Debug("Created object %s (%d bytes, codec %s)", id, len(data), s.codec.Codec())
	return id, nil
}

// FetchObject reads and decodes the object file for id
func (s *DiskStore) FetchObject(ctx context.Context, id ObjectID) (obj *Object, err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeFetch, stats.OpFetch, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordBytes(ctx, backendDisk, telemetry.OpTypeFetch, rec.Size())
	if s.stats != nil {
		s.stats.TrackBytes(false, uint64(rec.Size()))
	}
	return &Object{ID: id, Record: rec}, nil
}

func (s *DiskStore) read(id ObjectID) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to read object %s: %v", ErrIO, id, err)
	}

	rec, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	return rec, nil
}

// DeleteObject removes the object file for id
func (s *DiskStore) DeleteObject(ctx context.Context, id ObjectID) (err error) {
	start := time.Now()
	defer func() { s.observe(ctx, telemetry.OpTypeDelete, stats.OpDelete, start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove object %s: %v", ErrIO, id, err)
	}
	delete(s.index, id)

	s.logger.Debug("Deleted object %s", id)
	return nil
}

// List returns the ids of all stored objects in ascending order
func (s *DiskStore) List(ctx context.Context) ([]ObjectID, error) {
	s.mu.RLock()
	ids := make([]ObjectID, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close releases the codec state. Objects stay on disk.
func (s *DiskStore) Close() error {
	s.codec.Close()
	return s.metrics.Close()
}

func (s *DiskStore) observe(ctx context.Context, opType string, op stats.OperationType, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.RecordOperation(ctx, backendDisk, opType, elapsed, err)
	if s.stats == nil {
		return
	}
	s.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil {
		s.stats.TrackError("objstore_" + errorType(err))
	}
}
