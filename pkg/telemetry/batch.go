package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	batchPrefix    = `{"batch":[`
	batchSeparator = ","

	sentAtLayout = "2006-01-02T15:04:05.000Z"
)

// Batch is the envelope of the events sent in a single request.
type Batch struct {
	Events   []json.RawMessage `json:"batch"`
	SentAt   string            `json:"sentAt"`
	WriteKey string            `json:"writeKey"`
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch{%d events, sentAt: %s}", len(b.Events), b.SentAt)
}

// batchSuffix returns the part of the envelope following the events.
func batchSuffix(sentAt time.Time, writeKey string) string {
	key, _ := json.Marshal(writeKey)

	return `],"sentAt":"` + sentAt.UTC().Format(sentAtLayout) +
		`","writeKey":` + string(key) + `}`
}

// batchCapacity returns the number of bytes available for events in a body
// of at most maxBodySize bytes.
func batchCapacity(maxBodySize int, suffix string) int {
	return maxBodySize - len(batchPrefix) - len(suffix)
}

// EncodeBatch builds a request body from already serialized events.
func EncodeBatch(events []string, sentAt time.Time, writeKey string) []byte {
	return encodeBatch(events, batchSuffix(sentAt, writeKey))
}

func encodeBatch(events []string, suffix string) []byte {
	var buf bytes.Buffer

	buf.WriteString(batchPrefix)

	for i, event := range events {
		if i > 0 {
			buf.WriteString(batchSeparator)
		}

		buf.WriteString(event)
	}

	buf.WriteString(suffix)

	return buf.Bytes()
}

func DecodeBatch(data []byte) (*Batch, error) {
	var batch Batch

	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}

	if batch.Events == nil {
		return nil, fmt.Errorf("missing batch")
	}

	if batch.WriteKey == "" {
		return nil, fmt.Errorf("missing or empty write key")
	}

	if _, err := time.Parse(time.RFC3339, batch.SentAt); err != nil {
		return nil, fmt.Errorf("invalid sentAt value %q", batch.SentAt)
	}

	return &batch, nil
}
