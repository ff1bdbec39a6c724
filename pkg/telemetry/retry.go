package telemetry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	retryBase = 100 * time.Millisecond
	retryCap  = 5000 * time.Millisecond

	maxRetryAfter = 24 * time.Hour
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeUnconfirmed
	outcomeRetriable
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeUnconfirmed:
		return "unconfirmed"
	case outcomeRetriable:
		return "retriable failure"
	default:
		return "non-retriable failure"
	}
}

// classifyResponse decides what to do with the result of a send attempt. A
// nil response with a nil error means the body was handed to a
// fire-and-forget transport.
func classifyResponse(res *Response, err error) outcome {
	if err != nil {
		return outcomeRetriable
	}

	if res == nil {
		return outcomeUnconfirmed
	}

	switch status := res.Status; {
	case status == 200 || status == 201:
		return outcomeSuccess
	case status == 429 || status == 408 || status == 500:
		return outcomeRetriable
	case status == 501 && res.RetryAfter != "":
		return outcomeRetriable
	case status >= 502 && status <= 599:
		return outcomeRetriable
	default:
		return outcomeFatal
	}
}

// retryDelay returns the delay before retrying a failed attempt. The
// server hint is honored for 429, 501 and 503 responses; otherwise the
// delay is a randomized exponential backoff.
func retryDelay(res *Response, retries int, now time.Time, r *rand.Rand) time.Duration {
	if res != nil {
		switch res.Status {
		case 429, 501, 503:
			if delay, ok := parseRetryAfter(res.RetryAfter, now); ok {
				if res.Status == 503 {
					delay += time.Duration(r.Int63n(int64(retryBase)))
				}

				return minDuration(delay, retryCap)
			}
		}
	}

	backoff := retryCap
	if retries < 16 {
		backoff = minDuration(retryBase<<uint(retries), retryCap)
	}

	return time.Duration(r.Int63n(int64(retryBase))) + backoff
}

// parseRetryAfter parses the value of a Retry-After header field, either a
// number of seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) {
			return 0, false
		}

		if seconds < 0 {
			return 0, true
		}

		if seconds > maxRetryAfter.Seconds() {
			return maxRetryAfter, true
		}

		return time.Duration(seconds * float64(time.Second)), true
	}

	date, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}

	delay := date.Sub(now)
	if delay < 0 {
		delay = 0
	}

	return delay, true
}
