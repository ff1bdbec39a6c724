package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-telemetry/pkg/store"
	"github.com/jonboulle/clockwork"
)

const (
	saveDebounce        = 20 * time.Millisecond
	initialSaveRetry    = 200 * time.Millisecond
	maxSaveRetryBackoff = 5000 * time.Millisecond
)

type QueueCfg struct {
	Store        store.Store
	Key          Key
	MaxEntrySize int

	Logger Logger
	Clock  clockwork.Clock

	// NewToken generates the token substituted in templated keys.
	NewToken func() string
}

// Queue is an ordered list of serialized events persisted to a store.
// Entries are kept in enqueue order, which is also the send order.
//
// Queue is safe for concurrent use.
type Queue struct {
	Cfg QueueCfg
	Log Logger

	store store.Store
	clock clockwork.Clock

	key     Key
	entries []QueueEntry
	dirty   bool
	closed  bool

	saveTimer clockwork.Timer
	listeners map[chan<- struct{}]struct{}

	mu sync.Mutex
}

func NewQueue(cfg QueueCfg) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("missing store")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Key == (Key{}) {
		return nil, fmt.Errorf("missing key")
	}

	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = MaxEventSize
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.NewToken == nil {
		cfg.NewToken = newToken
	}

	q := &Queue{
		Cfg: cfg,
		Log: cfg.Logger,

		store: cfg.Store,
		clock: cfg.Clock,

		key: cfg.Key,

		listeners: make(map[chan<- struct{}]struct{}),
	}

	return q, nil
}

// AddListener registers a channel signaled, without blocking, every time
// entries are added to the queue.
func (q *Queue) AddListener(ch chan<- struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.listeners[ch] = struct{}{}
}

func (q *Queue) RemoveListener(ch chan<- struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.listeners, ch)
}

// Append serializes an item and adds it at the end of the queue. The queue
// is persisted shortly after.
func (q *Queue) Append(item interface{}) error {
	payload, err := serializeItem(item)
	if err != nil {
		return fmt.Errorf("cannot serialize item: %w", err)
	}

	size := len(payload)
	if size > q.Cfg.MaxEntrySize {
		return &ItemTooLargeError{Size: size, MaxSize: q.Cfg.MaxEntrySize}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, QueueEntry{
		Payload:    payload,
		EnqueuedAt: toMilliseconds(q.clock.Now()),
		Size:       size,
	})

	q.dirty = true

	if q.saveTimer == nil && !q.closed {
		q.scheduleSave(saveDebounce, initialSaveRetry)
	}

	q.Log.Debug(2, "appended %d bytes to queue %q (%d entries)",
		size, q.key, len(q.entries))

	q.notifyListeners()

	return nil
}

// Read returns the longest prefix of entries whose cumulative size,
// counting separatorSize bytes between entries, does not exceed maxBytes.
// A negative maxBytes means no limit.
func (q *Queue) Read(maxBytes, separatorSize int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)

	if maxBytes >= 0 {
		n = 0
		total := 0

		for i, e := range q.entries {
			if i > 0 {
				total += separatorSize
			}
			total += e.Size

			if total > maxBytes {
				break
			}

			n++
		}
	}

	payloads := make([]string, n)
	for i := 0; i < n; i++ {
		payloads[i] = q.entries[i].Payload
	}

	return payloads
}

func (q *Queue) ReadAll() []string {
	return q.Read(-1, 0)
}

// Remove removes the first occurrence of each payload, in order, starting
// from the head of the queue, then persists the queue immediately.
func (q *Queue) Remove(payloads []string) {
	if len(payloads) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, payload := range payloads {
		for i, e := range q.entries {
			if e.Payload == payload {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				n++
				break
			}
		}
	}

	q.Log.Debug(2, "removed %d entries from queue %q (%d entries left)",
		n, q.key, len(q.entries))

	if n > 0 {
		q.dirty = true
	}

	q.cancelSave()

	if !q.closed {
		q.persist(initialSaveRetry)
	}
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) > 0 {
		q.entries = nil
		q.dirty = true
	}
}

// Save persists the queue immediately. It does not retry on failure; the
// error is returned to the caller.
func (q *Queue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelSave()
	return q.persist(0)
}

// Close persists the queue a last time and stops all scheduling.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.cancelSave()
	q.persist(0)

	q.closed = true

	q.Log.Debug(1, "queue %q closed", q.key)
}

// Load reads the snapshot persisted at key and merges it into the queue.
// It returns the number of entries loaded. A malformed snapshot is
// discarded and does not alter the queue.
func (q *Queue) Load(key string) (int, error) {
	text, found, err := q.store.Get(key)
	if err != nil {
		return 0, fmt.Errorf("cannot read %q: %w", key, err)
	}

	if !found || text == "" {
		q.Log.Debug(2, "no queue to load at %q", key)
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := decodeSnapshot(text, q.Cfg.MaxEntrySize)
	if err != nil {
		q.Log.Error("discarding queue at %q: %v", key, err)
		return 0, nil
	}

	if len(q.entries) == 0 {
		q.entries = entries
	} else {
		q.entries = mergeEntries(q.entries, entries)
	}

	if q.key.IsTemplate() || key != q.key.Resolve("") {
		q.dirty = true
	}

	q.Log.Debug(1, "loaded %d entries from %q", len(entries), key)

	q.notifyListeners()

	return len(entries), nil
}

// SetKey changes the key the queue is persisted to. A non-empty queue will
// be written to the new key at the next save.
func (q *Queue) SetKey(key Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.key == key {
		return
	}

	q.key = key

	if len(q.entries) > 0 {
		q.dirty = true
	}
}

func (q *Queue) Key() Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.key
}

// Age returns the enqueue time of the entry at the head of the queue.
func (q *Queue) Age() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return time.Time{}, false
	}

	return q.entries[0].EnqueueTime(), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Entries returns a copy of the entries of the queue.
func (q *Queue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]QueueEntry, len(q.entries))
	copy(entries, q.entries)

	return entries
}

func (q *Queue) notifyListeners() {
	for ch := range q.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) scheduleSave(delay, retryDelay time.Duration) {
	var timer clockwork.Timer

	timer = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		if q.saveTimer != timer || q.closed {
			return
		}

		q.saveTimer = nil
		q.persist(retryDelay)
	})

	q.saveTimer = timer
}

func (q *Queue) cancelSave() {
	if q.saveTimer != nil {
		q.saveTimer.Stop()
		q.saveTimer = nil
	}
}

// persist writes the queue if it changed since the last successful write.
// On failure, a non-zero retryDelay schedules another attempt, with the
// delay doubling up to a limit. Must be called with q.mu held.
func (q *Queue) persist(retryDelay time.Duration) error {
	if !q.dirty {
		return nil
	}

	if q.key.IsTemplate() && len(q.entries) == 0 {
		q.dirty = false
		return nil
	}

	var token string
	if q.key.IsTemplate() {
		token = q.Cfg.NewToken()
	}

	key := q.key.Resolve(token)
	text := encodeSnapshot(q.entries)

	if err := q.store.Set(key, text); err != nil {
		if retryDelay == 0 {
			q.Log.Error("cannot save queue %q (%d entries): %v",
				key, len(q.entries), err)
			return fmt.Errorf("cannot save queue %q: %w", key, err)
		}

		retryDelay = minDuration(2*retryDelay, maxSaveRetryBackoff)

		if errors.Is(err, store.ErrQuotaExceeded) {
			q.Log.Error("cannot save queue %q: quota exceeded, retrying "+
				"in %v", key, retryDelay)
		} else {
			q.Log.Error("cannot save queue %q, retrying in %v: %v",
				key, retryDelay, err)
		}

		if !q.closed {
			q.scheduleSave(retryDelay, retryDelay)
		}

		return fmt.Errorf("cannot save queue %q: %w", key, err)
	}

	q.Log.Debug(2, "saved queue %q (%d entries, %d bytes)",
		key, len(q.entries), len(text))

	if q.key.IsTemplate() {
		q.entries = nil
	}

	q.dirty = false

	return nil
}

func serializeItem(item interface{}) (string, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(item); err != nil {
		return "", err
	}

	// Encode always terminates the value with a newline.
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}
