package telemetry

import (
	"bytes"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// recoverGoroutine is deferred at the top of every long-running goroutine.
// The panic is logged with a stack trace and forwarded to errorChan if it
// is not nil.
func recoverGoroutine(log Logger, name string, errorChan chan<- error) {
	value := recover()
	if value == nil {
		return
	}

	msg := RecoverValueString(value)
	trace := StackTrace(10)
	log.Error("panic in %s: %s\n%s", name, msg, trace)

	if errorChan != nil {
		select {
		case errorChan <- fmt.Errorf("panic in %s: %s", name, msg):
		default:
		}
	}
}

// NewCandidateId returns a random identifier unique for the lifetime of the
// process.
func NewCandidateId() CandidateId {
	return CandidateId(uuid.NewString())
}

func newToken() string {
	return uuid.NewString()
}

// randomDuration returns a random duration in [min, max].
func randomDuration(r *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}

	return min + time.Duration(r.Int63n(int64(max-min)+1))
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}

func toMilliseconds(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMilliseconds(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}
