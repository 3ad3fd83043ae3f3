package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/kvcache/pkg/common/log"
)

// ReplicatingStore fronts a local store with an ordered list of peers.
// Creates and deletes act on the local store only. A fetch that misses locally
// is served by the first peer holding the object, and the record is copied into
// the local store under a new local id. Callers that only needed the bytes once
// are expected to delete that replica; see kvblock.MakeBuilder.
type ReplicatingStore struct {
	local   Store
	peers   []Store
	logger  log.Logger
	metrics StoreMetrics
}

// NewReplicatingStore creates a store that falls back to peers on local misses
func NewReplicatingStore(local Store, peers []Store, opts ...Option) *ReplicatingStore {
	o := applyOptions("replicating-store", opts)
	return &ReplicatingStore{
		local:   local,
		peers:   peers,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Local returns the local store
func (s *ReplicatingStore) Local() Store {
	return s.local
}

// CreateMetadata stores rec in the local store
func (s *ReplicatingStore) CreateMetadata(ctx context.Context, rec *Record) (ObjectID, error) {
	return s.local.CreateMetadata(ctx, rec)
}

// DeleteObject removes id from the local store
func (s *ReplicatingStore) DeleteObject(ctx context.Context, id ObjectID) error {
	return s.local.DeleteObject(ctx, id)
}

// FetchObject returns id from the local store, or a fresh local replica of the
// peer copy. In the second case the returned object's id differs from id.
func (s *ReplicatingStore) FetchObject(ctx context.Context, id ObjectID) (*Object, error) {
	obj, err := s.local.FetchObject(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return obj, err
	}

	// An id issued under the local instance can only ever live here. Asking peers
	// for it would return whatever object a peer issued under the same id.
	if inst, ok := s.local.(Instancer); ok && id.Instance() == inst.Instance() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var lastErr error
	for i, peer := range s.peers {
		name := peerName(peer, i)
		start := time.Now()

		remote, err := peer.FetchObject(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("Failed to fetch object %s from peer %s: %v", id, name, err)
				lastErr = err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		replicaID, err := s.local.CreateMetadata(ctx, remote.Record)
		if err != nil {
			return nil, fmt.Errorf("failed to replicate object %s from peer %s: %w", id, name, err)
		}
		if replicaID == id {
			if err := s.local.DeleteObject(ctx, replicaID); err != nil {
				s.logger.Error("Failed to delete replica %s: %v", replicaID, err)
			}
			return nil, fmt.Errorf("%w: peer %s and the local store both issue ids as %s",
				ErrInstanceConflict, name, id)
		}

		s.metrics.RecordReplication(ctx, name, remote.Record.Size(), time.Since(start))
		s.logger.Info("Replicated object %s from peer %s as %s", id, name, replicaID)
		return &Object{ID: replicaID, Record: remote.Record}, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s (checked %d peers)", ErrNotFound, id, len(s.peers))
}

func peerName(peer Store, i int) string {
	if named, ok := peer.(fmt.Stringer); ok {
		return named.String()
	}
	return fmt.Sprintf("peer-%d", i)
}
