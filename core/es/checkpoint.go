package es

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codewandler/eskit-go/ports/kv"
)

// CheckpointStore persists the last processed global-feed position per
// named consumer. Positions are monotonically non-decreasing.
type CheckpointStore interface {
	Load(ctx context.Context, consumer string) (uint64, error)
	Save(ctx context.Context, consumer string, position uint64) error
}

// KVCheckpointStore keeps checkpoints in a kv.Store, one key per consumer.
type KVCheckpointStore struct {
	mu     sync.Mutex
	store  kv.Store
	prefix string
}

func NewKVCheckpointStore(store kv.Store) *KVCheckpointStore {
	return &KVCheckpointStore{store: store, prefix: "checkpoint."}
}

func (s *KVCheckpointStore) key(consumer string) string { return s.prefix + consumer }

func (s *KVCheckpointStore) Load(ctx context.Context, consumer string) (uint64, error) {
	pos, err := kv.Get[uint64](ctx, s.store, s.key(consumer))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, ErrCheckpointNotFound
		}
		return 0, fmt.Errorf("failed to load checkpoint for %s: %w", consumer, err)
	}
	return pos, nil
}

func (s *KVCheckpointStore) Save(ctx context.Context, consumer string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// never move a checkpoint backwards
	cur, err := s.Load(ctx, consumer)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	if err == nil && position < cur {
		return nil
	}
	return kv.Put(ctx, s.store, s.key(consumer), position)
}

var _ CheckpointStore = (*KVCheckpointStore)(nil)

// NewInMemCheckpointStore is a convenience for tests and dev setups.
func NewInMemCheckpointStore() *KVCheckpointStore {
	return NewKVCheckpointStore(kv.NewMemStore())
}
