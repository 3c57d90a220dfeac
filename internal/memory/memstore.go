package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry is the in-process representation of one stored value.
type entry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemStore is the required in-process MemoryStore implementation, grounded
// on the mutex-protected map idiom used throughout the rest of the runtime
// for in-memory state.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]entry)}
}

func (s *MemStore) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	e := entry{value: data, storedAt: time.Now()}
	if ttl > 0 {
		e.expiresAt = e.storedAt.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *MemStore) Retrieve(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.expired(time.Now()) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := unmarshal(e.value, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}

func (s *MemStore) Cleanup(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	return nil
}
