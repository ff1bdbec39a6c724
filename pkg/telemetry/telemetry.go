package telemetry

import (
	"fmt"
	"time"
)

type CandidateId string

type State string

const (
	StateFollower State = "follower"
	StateLeader   State = "leader"
)

const (
	// MaxEventSize is the maximum size in bytes of a serialized event.
	MaxEventSize = 32 * 1024

	// MaxBodySize and MaxKeepaliveBodySize bound the size of request
	// bodies for normal sends and for sends issued while the page is being
	// hidden.
	MaxBodySize          = 500 * 1024
	MaxKeepaliveBodySize = 64 * 1024
)

type QueueEntry struct {
	Payload    string
	EnqueuedAt int64 // milliseconds since the epoch
	Size       int
}

func (e QueueEntry) EnqueueTime() time.Time {
	return fromMilliseconds(e.EnqueuedAt)
}

type ItemTooLargeError struct {
	Size    int
	MaxSize int
}

func (err *ItemTooLargeError) Error() string {
	return fmt.Sprintf("item too large (%d bytes, maximum %d bytes)",
		err.Size, err.MaxSize)
}
