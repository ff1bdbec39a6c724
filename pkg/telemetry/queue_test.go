package telemetry

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/galdor/go-telemetry/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T, s store.Store, key Key, c clockwork.Clock) *Queue {
	q, err := NewQueue(QueueCfg{
		Store:  s,
		Key:    key,
		Logger: testLogger(),
		Clock:  c,
	})
	require.NoError(t, err)

	return q
}

// attemptStore reports the result of every write on a channel.
type attemptStore struct {
	*store.MemoryStore

	attempts chan error
}

func newAttemptStore() *attemptStore {
	return &attemptStore{
		MemoryStore: store.NewMemoryStore(),
		attempts:    make(chan error, 100),
	}
}

func (s *attemptStore) Set(key, value string) error {
	err := s.MemoryStore.Set(key, value)
	s.attempts <- err
	return err
}

func (s *attemptStore) requireNoAttempt(t *testing.T) {
	t.Helper()

	require.Never(t, func() bool {
		return len(s.attempts) > 0
	}, 50*time.Millisecond, 10*time.Millisecond)
}

func TestQueueSave(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)

	require.NoError(t, q.Append(map[string]string{"foo": "boo"}))
	q.Save()

	value, found, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "{\"foo\":\"boo\"}\n1700000000000\n13", value)

	require.NoError(t, q.Append(map[string]int{"a": 1}))
	q.Save()

	value, _, err = s.Get("k")
	require.NoError(t, err)
	require.Equal(t, "{\"foo\":\"boo\"}\n{\"a\":1}\n"+
		"1700000000000 1700000000000\n13 7", value)
}

func TestQueueDebouncedSave(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)

	require.NoError(t, q.Append("a"))
	require.NoError(t, q.Append("b"))

	// Both appends share a single save.
	fakeClock.BlockUntil(1)

	fakeClock.Advance(19 * time.Millisecond)

	_, found, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, found)

	fakeClock.Advance(time.Millisecond)

	require.Eventually(t, func() bool {
		value, _, err := s.Get("k")
		return err == nil &&
			value == "\"a\"\n\"b\"\n1700000000000 1700000000000\n3 3"
	}, time.Second, 10*time.Millisecond)
}

func TestQueueRoundTrip(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	q1 := testQueue(t, s, FixedKey("k"), fakeClock)

	for i := 0; i < 5; i++ {
		require.NoError(t, q1.Append(map[string]interface{}{
			"event": fmt.Sprintf("event-%d", i),
			"html":  "<b>&</b>",
		}))
		fakeClock.Advance(time.Duration(i*10) * time.Millisecond)
	}

	q1.Save()

	q2 := testQueue(t, s, FixedKey("k"), fakeClock)

	n, err := q2.Load("k")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Equal(t, q1.Entries(), q2.Entries())

	// Serialization does not escape HTML characters.
	require.Contains(t, q2.ReadAll()[0], "<b>&</b>")
}

func TestQueueTemplatedKey(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	tokens := []string{"t1", "t2"}

	q, err := NewQueue(QueueCfg{
		Store:  s,
		Key:    TemplatedKey("p.", ".queue"),
		Logger: testLogger(),
		Clock:  fakeClock,

		NewToken: func() string {
			token := tokens[0]
			tokens = tokens[1:]
			return token
		},
	})
	require.NoError(t, err)

	require.NoError(t, q.Append(1))
	q.Save()

	require.True(t, q.IsEmpty())

	value, found, err := s.Get("p.t1.queue")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1\n1700000000000\n1", value)

	// An empty queue is never written to a templated key.
	q.Save()

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"p.t1.queue"}, keys)

	require.NoError(t, q.Append(2))
	fakeClock.Advance(saveDebounce)

	require.Eventually(t, func() bool {
		keys, err := s.Keys()
		return err == nil && len(keys) == 2 && keys[1] == "p.t2.queue"
	}, time.Second, 10*time.Millisecond)
}

func TestQueueLoadMerge(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(fromMilliseconds(1000))
	s := store.NewMemoryStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)

	require.NoError(t, q.Append("a"))
	fakeClock.Advance(2 * time.Second)
	require.NoError(t, q.Append("b"))

	require.NoError(t, s.Set("other", "\"x\"\n\"y\"\n2000 3000\n3 3"))

	n, err := q.Load("other")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, []string{`"a"`, `"x"`, `"y"`, `"b"`}, q.ReadAll())

	// The merged queue is persisted under the key of the queue.
	q.Save()

	value, _, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, "\"a\"\n\"x\"\n\"y\"\n\"b\"\n1000 2000 3000 3000\n3 3 3 3",
		value)
}

func TestQueueLoadEmpty(t *testing.T) {
	s := store.NewMemoryStore()
	q := testQueue(t, s, FixedKey("k"), clockwork.NewFakeClockAt(testEpoch))

	n, err := q.Load("missing")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.Set("empty", ""))

	n, err = q.Load("empty")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestQueueLoadMalformed(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)
	require.NoError(t, q.Append("a"))

	entries := q.Entries()

	snapshots := []string{
		"garbage",
		"\"x\"\n1000",
		"\"x\"\n1000 2000\n3",
		"\"x\"\n1000\n3 3",
		"\"x\"\nabc\n3",
		"\"x\"\n1000\n-3",
		"\"x\"\n1000\n" + fmt.Sprint(MaxEventSize+1),
	}

	for _, snapshot := range snapshots {
		require.NoError(t, s.Set("bad", snapshot))

		n, err := q.Load("bad")
		require.NoError(t, err)
		require.Equal(t, 0, n)
		require.Equal(t, entries, q.Entries(), snapshot)
	}
}

func TestQueueRead(t *testing.T) {
	q := testQueue(t, store.NewMemoryStore(), FixedKey("k"),
		clockwork.NewFakeClockAt(testEpoch))

	require.Equal(t, []string{}, q.Read(100, 1))

	require.NoError(t, q.Append(1))
	require.NoError(t, q.Append(22))
	require.NoError(t, q.Append(333))

	tests := []struct {
		maxBytes int
		payloads []string
	}{
		{0, []string{}},
		{1, []string{"1"}},
		{3, []string{"1"}},
		{4, []string{"1", "22"}},
		{7, []string{"1", "22"}},
		{8, []string{"1", "22", "333"}},
		{-1, []string{"1", "22", "333"}},
	}

	for _, test := range tests {
		require.Equal(t, test.payloads, q.Read(test.maxBytes, 1),
			"maxBytes %d", test.maxBytes)
	}

	require.Equal(t, []string{"1", "22", "333"}, q.ReadAll())
}

func TestQueueReadBound(t *testing.T) {
	q := testQueue(t, store.NewMemoryStore(), FixedKey("k"),
		clockwork.NewFakeClockAt(testEpoch))

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Append(strings.Repeat("x", i*7%23)))
	}

	for maxBytes := 0; maxBytes < 600; maxBytes += 13 {
		payloads := q.Read(maxBytes, 1)

		size := 0
		for i, p := range payloads {
			if i > 0 {
				size++
			}
			size += len(p)
		}

		require.LessOrEqual(t, size, maxBytes)
	}
}

func TestQueueRemove(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := store.NewMemoryStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)

	require.NoError(t, q.Append("a"))
	require.NoError(t, q.Append("b"))
	require.NoError(t, q.Append("a"))
	require.NoError(t, q.Append("c"))

	q.Remove([]string{`"a"`, `"c"`, `"d"`})

	require.Equal(t, []string{`"b"`, `"a"`}, q.ReadAll())

	// Removal is persisted without waiting for the debounced save.
	value, found, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "\"b\"\n\"a\"\n1700000000000 1700000000000\n3 3", value)

	q.Remove([]string{`"b"`, `"a"`})
	require.True(t, q.IsEmpty())

	value, _, err = s.Get("k")
	require.NoError(t, err)
	require.Equal(t, "", value)
}

func TestQueueItemTooLarge(t *testing.T) {
	q, err := NewQueue(QueueCfg{
		Store:        store.NewMemoryStore(),
		Key:          FixedKey("k"),
		MaxEntrySize: 10,
		Logger:       testLogger(),
		Clock:        clockwork.NewFakeClockAt(testEpoch),
	})
	require.NoError(t, err)

	err = q.Append(strings.Repeat("x", 20))

	var tooLargeErr *ItemTooLargeError
	require.ErrorAs(t, err, &tooLargeErr)
	require.Equal(t, 22, tooLargeErr.Size)
	require.Equal(t, 10, tooLargeErr.MaxSize)

	require.True(t, q.IsEmpty())

	err = q.Append(func() {})
	require.Error(t, err)
}

func TestQueueSaveRetry(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)

	s := newAttemptStore()
	s.MaxBytes = 16

	q := testQueue(t, s, FixedKey("k"), fakeClock)

	require.NoError(t, q.Append("0123456789abcdef"))

	fakeClock.Advance(saveDebounce)
	require.ErrorIs(t, receive(t, s.attempts), store.ErrQuotaExceeded)

	// First retry after 400ms, then 800ms.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(399 * time.Millisecond)
	s.requireNoAttempt(t)

	fakeClock.Advance(time.Millisecond)
	require.ErrorIs(t, receive(t, s.attempts), store.ErrQuotaExceeded)

	s.MaxBytes = 0

	fakeClock.BlockUntil(1)
	fakeClock.Advance(799 * time.Millisecond)
	s.requireNoAttempt(t)

	fakeClock.Advance(time.Millisecond)
	require.NoError(t, receive(t, s.attempts))

	_, found, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, found)

	// Nothing left to save.
	fakeClock.Advance(time.Minute)
	s.requireNoAttempt(t)
}

func TestQueueSaveRetryCap(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)

	s := newAttemptStore()
	s.MaxBytes = 1

	q := testQueue(t, s, FixedKey("k"), fakeClock)
	require.NoError(t, q.Append("a"))

	fakeClock.Advance(saveDebounce)
	require.Error(t, receive(t, s.attempts))

	// 400, 800, 1600, 3200, then 5000ms between attempts.
	for _, ms := range []int{400, 800, 1600, 3200, 5000, 5000} {
		fakeClock.BlockUntil(1)

		fakeClock.Advance(time.Duration(ms-1) * time.Millisecond)
		s.requireNoAttempt(t)

		fakeClock.Advance(time.Millisecond)
		require.Error(t, receive(t, s.attempts), "after %dms", ms)
	}

	// Closing the queue makes a last attempt and stops retrying.
	fakeClock.BlockUntil(1)
	q.Close()
	require.Error(t, receive(t, s.attempts))

	fakeClock.Advance(time.Minute)
	s.requireNoAttempt(t)
}

func TestQueueSaveError(t *testing.T) {
	s := store.NewMemoryStore()
	s.MaxBytes = 1

	q := testQueue(t, s, FixedKey("k"), clockwork.NewFakeClockAt(testEpoch))
	require.NoError(t, q.Append("a"))

	require.ErrorIs(t, q.Save(), store.ErrQuotaExceeded)

	s.MaxBytes = 0
	require.NoError(t, q.Save())

	// Nothing changed since the last successful save.
	require.NoError(t, q.Save())
}

func TestQueueSetKey(t *testing.T) {
	s := store.NewMemoryStore()
	q := testQueue(t, s, FixedKey("k1"), clockwork.NewFakeClockAt(testEpoch))

	require.NoError(t, q.Append("a"))
	q.Save()

	q.SetKey(FixedKey("k2"))
	require.Equal(t, FixedKey("k2"), q.Key())

	q.Save()

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keys)
}

func TestQueueListeners(t *testing.T) {
	s := store.NewMemoryStore()
	q := testQueue(t, s, FixedKey("k"), clockwork.NewFakeClockAt(testEpoch))

	ch := make(chan struct{}, 1)
	q.AddListener(ch)

	require.NoError(t, q.Append("a"))
	require.NoError(t, q.Append("b"))
	require.Len(t, ch, 1)
	<-ch

	require.NoError(t, s.Set("other", "\"x\"\n1000\n3"))
	_, err := q.Load("other")
	require.NoError(t, err)
	require.Len(t, ch, 1)
	<-ch

	q.RemoveListener(ch)

	require.NoError(t, q.Append("c"))
	require.Len(t, ch, 0)
}

func TestQueueAge(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	q := testQueue(t, store.NewMemoryStore(), FixedKey("k"), fakeClock)

	_, found := q.Age()
	require.False(t, found)

	require.NoError(t, q.Append("a"))
	fakeClock.Advance(time.Second)
	require.NoError(t, q.Append("b"))

	age, found := q.Age()
	require.True(t, found)
	require.True(t, testEpoch.Equal(age))
	require.Equal(t, 2, q.Len())
}

func TestQueueClose(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(testEpoch)
	s := newAttemptStore()

	q := testQueue(t, s, FixedKey("k"), fakeClock)
	require.NoError(t, q.Append("a"))

	q.Close()
	require.NoError(t, receive(t, s.attempts))

	_, found, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, found)

	// A closed queue is no longer persisted.
	require.NoError(t, q.Append("b"))

	fakeClock.Advance(time.Second)
	s.requireNoAttempt(t)
}
