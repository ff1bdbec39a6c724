// Package store provides the shared key-value medium candidates coordinate
// through. Stores offer no atomic primitive: every operation is a plain
// read, write or delete of a string value.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrQuotaExceeded = errors.New("store quota exceeded")
	ErrStoreClosed   = errors.New("store closed")
)

type Store interface {
	// Get returns the value associated with a key and whether the key
	// exists.
	Get(key string) (string, bool, error)

	Set(key, value string) error

	// Delete removes a key; deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys in lexicographic order.
	Keys() ([]string, error)

	// Watch returns a channel receiving every change applied to the store
	// and a function cancelling the subscription. Changes are dropped for
	// subscribers which do not keep up.
	Watch() (<-chan Change, func())

	Close() error
}

type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// KeysWithPrefix returns the keys of a store starting with a prefix.
func KeysWithPrefix(s Store, prefix string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matches = append(matches, key)
		}
	}

	return matches, nil
}

const watchBufferSize = 64

// watchHub fans out changes to subscribers. Stores call publish after a
// successful mutation.
type watchHub struct {
	mu          sync.Mutex
	subscribers map[int]chan Change
	nextId      int
}

func (h *watchHub) subscribe() (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers == nil {
		h.subscribers = make(map[int]chan Change)
	}

	id := h.nextId
	h.nextId++

	ch := make(chan Change, watchBufferSize)
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if ch, found := h.subscribers[id]; found {
			delete(h.subscribers, id)
			close(ch)
		}
	}

	return ch, cancel
}

func (h *watchHub) publish(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
