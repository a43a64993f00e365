package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

// NewMemory returns a process-local Storage. Stores survive agent rotations
// for the lifetime of the process.
func NewMemory() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, errors.New("cache: store name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	store := &memoryStore{name: name, entries: make(map[string]Snapshot)}
	s.stores[name] = store
	return store, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	return nil
}

// memoryStore handles stay usable after Delete but are detached from the
// registry, so a later Open of the same name starts empty.
type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[string]Snapshot
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Match(_ context.Context, key string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stamp(snap).Clone()
	return nil
}

func (s *memoryStore) PutAll(_ context.Context, entries map[string]Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, snap := range entries {
		s.entries[key] = stamp(snap).Clone()
	}
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func stamp(snap Snapshot) Snapshot {
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	return snap
}
