package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errMalformedSnapshot = errors.New("malformed snapshot")

// encodeSnapshot returns the persisted form of queue entries: one line per
// payload, then a line of space-separated enqueue times in milliseconds and
// a line of space-separated sizes. An empty queue is an empty string.
func encodeSnapshot(entries []QueueEntry) string {
	if len(entries) == 0 {
		return ""
	}

	var buf strings.Builder

	for _, e := range entries {
		buf.WriteString(e.Payload)
		buf.WriteByte('\n')
	}

	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.FormatInt(e.EnqueuedAt, 10))
	}

	buf.WriteByte('\n')

	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.Itoa(e.Size))
	}

	return buf.String()
}

func decodeSnapshot(text string, maxEntrySize int) ([]QueueEntry, error) {
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: %d lines", errMalformedSnapshot, len(lines))
	}

	n := len(lines) - 2
	payloads := lines[:n]
	times := strings.Split(lines[n], " ")
	sizes := strings.Split(lines[n+1], " ")

	if len(times) != n || len(sizes) != n {
		return nil, fmt.Errorf("%w: %d payloads, %d times and %d sizes",
			errMalformedSnapshot, n, len(times), len(sizes))
	}

	entries := make([]QueueEntry, n)

	for i := 0; i < n; i++ {
		t, err := strconv.ParseInt(times[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid time %q",
				errMalformedSnapshot, times[i])
		}

		size, err := strconv.Atoi(sizes[i])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: invalid size %q",
				errMalformedSnapshot, sizes[i])
		}

		if maxEntrySize > 0 && size > maxEntrySize {
			return nil, fmt.Errorf("%w: entry size %d exceeds %d bytes",
				errMalformedSnapshot, size, maxEntrySize)
		}

		entries[i] = QueueEntry{
			Payload:    payloads[i],
			EnqueuedAt: t,
			Size:       size,
		}
	}

	return entries, nil
}

// mergeEntries merges two sequences ordered by enqueue time. On equal
// times, entries of b come first.
func mergeEntries(a, b []QueueEntry) []QueueEntry {
	merged := make([]QueueEntry, 0, len(a)+len(b))

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].EnqueuedAt <= a[i].EnqueuedAt {
			merged = append(merged, b[j])
			j++
		} else {
			merged = append(merged, a[i])
			i++
		}
	}

	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)

	return merged
}
