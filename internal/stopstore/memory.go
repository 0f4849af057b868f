package stopstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory marker store for single-instance deployments.
// For distributed deployments, use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[string]time.Time // id -> expiry
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store whose markers expire after ttl. A
// background sweep removes expired entries.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &MemoryStore{
		markers: make(map[string]time.Time),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// MarkStopped records a stop request for id.
func (s *MemoryStore) MarkStopped(ctx context.Context, id string) error {
	s.mu.Lock()
	s.markers[Key(id)] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return nil
}

// IsStopped reports whether a live marker exists for id.
func (s *MemoryStore) IsStopped(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.markers[Key(id)]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.markers, Key(id))
		return false, nil
	}
	return true, nil
}

// Clear removes the marker for id. Idempotent.
func (s *MemoryStore) Clear(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.markers, Key(id))
	s.mu.Unlock()
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, expiry := range s.markers {
				if now.After(expiry) {
					delete(s.markers, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
