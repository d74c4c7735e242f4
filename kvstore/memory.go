package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default, ephemeral Store implementation: a
// mutex-guarded map of namespace -> key -> entry, matching the teacher's
// InMemoryCache (internal/services/cache/cache.go) structure and its
// background expiry sweep.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]item
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type item struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine, which sweeps expired entries every sweepInterval. Call Close to
// stop it.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryStore{
		namespaces: make(map[string]map[string]item),
		stopCh:     make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

var _ Store = (*MemoryStore)(nil)
var _ Closer = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, false, nil
	}
	it, ok := ns[key]
	if !ok || it.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]item)
		s.namespaces[namespace] = ns
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = item{value: stored, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.namespaces[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	now := time.Now()
	for k, it := range ns {
		if !it.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ns := range s.namespaces {
		for k, it := range ns {
			if it.expired(now) {
				delete(ns, k)
			}
		}
	}
}
