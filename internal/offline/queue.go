package offline

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// QueueStore persists queued writes across restarts. storage.DB implements it.
// SaveQueued inserts or updates an entry and moves it to the tail.
type QueueStore interface {
	LoadQueue(ctx context.Context) ([]*QueuedRequest, error)
	SaveQueued(ctx context.Context, q *QueuedRequest) error
	DeleteQueued(ctx context.Context, id string) error
}

// SyncQueue owns the pending writes. Only the fetch path appends and only
// replay drains, but both may run on different goroutines.
type SyncQueue struct {
	mu    sync.Mutex
	items []*QueuedRequest
	store QueueStore
}

// NewSyncQueue creates an in-memory queue.
func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// NewPersistentSyncQueue creates a queue backed by store and loads whatever
// was left over from a previous run.
func NewPersistentSyncQueue(ctx context.Context, store QueueStore) (*SyncQueue, error) {
	items, err := store.LoadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	if len(items) > 0 {
		log.Printf("Sync: restored %d queued requests", len(items))
	}
	return &SyncQueue{items: items, store: store}, nil
}

// Enqueue appends q at the tail. The entry stays queued in memory even if
// persisting it fails.
func (s *SyncQueue) Enqueue(ctx context.Context, q *QueuedRequest) error {
	s.mu.Lock()
	s.items = append(s.items, q)
	s.mu.Unlock()

	return s.persist(ctx, q)
}

// DrainForReplay detaches the whole queue and leaves it empty, so writes
// arriving during replay land in the next batch.
func (s *SyncQueue) DrainForReplay() []*QueuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.items
	s.items = nil
	return batch
}

// Requeue puts a failed replay back at the live tail.
func (s *SyncQueue) Requeue(ctx context.Context, q *QueuedRequest) error {
	return s.Enqueue(ctx, q)
}

// Complete forgets a request that replayed successfully.
func (s *SyncQueue) Complete(ctx context.Context, q *QueuedRequest) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteQueued(ctx, q.ID); err != nil {
		return fmt.Errorf("failed to delete queued request %s: %w", q.ID, err)
	}
	return nil
}

// Len returns the number of requests waiting in the live queue.
func (s *SyncQueue) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot returns a copy of the live queue in order.
func (s *SyncQueue) Snapshot() []QueuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedRequest, len(s.items))
	for i, q := range s.items {
		out[i] = *q
	}
	return out
}

func (s *SyncQueue) persist(ctx context.Context, q *QueuedRequest) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveQueued(ctx, q); err != nil {
		return fmt.Errorf("failed to persist queued request %s: %w", q.ID, err)
	}
	return nil
}
