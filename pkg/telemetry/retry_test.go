package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		res     *Response
		err     error
		outcome outcome
	}{
		{nil, errors.New("connection refused"), outcomeRetriable},
		{nil, nil, outcomeUnconfirmed},
		{&Response{Status: 200}, nil, outcomeSuccess},
		{&Response{Status: 201}, nil, outcomeSuccess},
		{&Response{Status: 204}, nil, outcomeFatal},
		{&Response{Status: 400}, nil, outcomeFatal},
		{&Response{Status: 404}, nil, outcomeFatal},
		{&Response{Status: 408}, nil, outcomeRetriable},
		{&Response{Status: 429}, nil, outcomeRetriable},
		{&Response{Status: 500}, nil, outcomeRetriable},
		{&Response{Status: 501}, nil, outcomeFatal},
		{&Response{Status: 501, RetryAfter: "1"}, nil, outcomeRetriable},
		{&Response{Status: 502}, nil, outcomeRetriable},
		{&Response{Status: 503}, nil, outcomeRetriable},
		{&Response{Status: 599}, nil, outcomeRetriable},
		{&Response{Status: 600}, nil, outcomeFatal},
	}

	for _, test := range tests {
		require.Equal(t, test.outcome, classifyResponse(test.res, test.err),
			"response %v, error %v", test.res, test.err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		delay time.Duration
		ok    bool
	}{
		{"", 0, false},
		{"2", 2 * time.Second, true},
		{" 2 ", 2 * time.Second, true},
		{"0.5", 500 * time.Millisecond, true},
		{"-3", 0, true},
		{"1e12", maxRetryAfter, true},
		{"NaN", 0, false},
		{"soon", 0, false},
		{"Mon, 01 May 2023 12:00:03 GMT", 3 * time.Second, true},
		{"Mon, 01 May 2023 11:59:00 GMT", 0, true},
	}

	for _, test := range tests {
		delay, ok := parseRetryAfter(test.value, now)
		require.Equal(t, test.ok, ok, test.value)
		require.Equal(t, test.delay, delay, test.value)
	}
}

func TestRetryDelay(t *testing.T) {
	now := time.Now()
	r := newRand()

	// Server hints
	delay := retryDelay(&Response{Status: 429, RetryAfter: "2"}, 0, now, r)
	require.Equal(t, 2*time.Second, delay)

	delay = retryDelay(&Response{Status: 429, RetryAfter: "60"}, 0, now, r)
	require.Equal(t, retryCap, delay)

	for i := 0; i < 100; i++ {
		delay = retryDelay(&Response{Status: 503, RetryAfter: "1"}, 0, now, r)
		require.GreaterOrEqual(t, delay, time.Second)
		require.Less(t, delay, time.Second+retryBase)
	}

	// Exponential backoff
	for retries := 0; retries < 20; retries++ {
		backoff := retryCap
		if retries < 6 {
			backoff = retryBase << uint(retries)
		}

		for _, res := range []*Response{nil, {Status: 500}, {Status: 429}} {
			delay := retryDelay(res, retries, now, r)
			require.GreaterOrEqual(t, delay, backoff)
			require.Less(t, delay, backoff+retryBase)
		}
	}
}
