package storage

import (
	"maps"
	"sync"

	"github.com/danmuck/dps_jitter/src/operations"
)

var _ operations.Storage = (*MemoryStorage)(nil)

// MemoryStorage is a map guarded by a RWMutex. It is owned by a single
// program but may be read by observers while the program runs.
type MemoryStorage struct {
	entries map[string]any
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]any),
	}
}

func (s *MemoryStorage) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

func (s *MemoryStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (s *MemoryStorage) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s *MemoryStorage) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *MemoryStorage) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

func (s *MemoryStorage) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStorage) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}
