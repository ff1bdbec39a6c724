package store

import (
	"fmt"
	"sync"
)

// MemoryStore keeps entries in memory. A non-zero MaxBytes bounds the sum
// of key and value lengths, the way browser storage areas enforce a quota.
type MemoryStore struct {
	MaxBytes int

	entries map[string]string
	size    int
	closed  bool

	hub watchHub
	mu  sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]string),
	}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrStoreClosed
	}

	value, found := s.entries[key]
	return value, found, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	size := s.size + len(value)
	if previous, found := s.entries[key]; found {
		size -= len(previous)
	} else {
		size += len(key)
	}

	if s.MaxBytes > 0 && size > s.MaxBytes {
		s.mu.Unlock()
		return fmt.Errorf("cannot write %q (%d bytes): %w",
			key, len(value), ErrQuotaExceeded)
	}

	s.entries[key] = value
	s.size = size
	s.mu.Unlock()

	s.hub.publish(Change{Key: key, Value: value})

	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	previous, found := s.entries[key]
	if !found {
		s.mu.Unlock()
		return nil
	}

	delete(s.entries, key)
	s.size -= len(key) + len(previous)
	s.mu.Unlock()

	s.hub.publish(Change{Key: key, Deleted: true})

	return nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return sortedKeys(s.entries), nil
}

func (s *MemoryStore) Watch() (<-chan Change, func()) {
	return s.hub.subscribe()
}

// Size returns the number of bytes currently accounted against the quota.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.size
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.close()

	return nil
}
