package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrEndpointConfigInvalid = errors.New("invalid endpoint configuration")
	ErrInvalidWriteKey       = errors.New("invalid write key")
	ErrEndpointNotFound      = errors.New("endpoint not found")
)

type Strategy string

const (
	StrategyFusion       Strategy = "Fusion"
	StrategyConversion   Strategy = "Conversion"
	StrategyIsolation    Strategy = "Isolation"
	StrategyPreservation Strategy = "Preservation"
)

var strategies = []Strategy{
	StrategyFusion,
	StrategyConversion,
	StrategyIsolation,
	StrategyPreservation,
}

func (s Strategy) IsValid() bool {
	for _, s2 := range strategies {
		if s == s2 {
			return true
		}
	}

	return false
}

// Settings are served by the endpoint for each write key.
type Settings struct {
	Strategy Strategy `json:"strategy"`
}

func DefaultSettings() Settings {
	return Settings{
		Strategy: StrategyConversion,
	}
}

// InvalidWriteKeyBody is the body of a 404 response sent by endpoints for
// an unknown write key.
const InvalidWriteKeyBody = "error: invalid write key"

// FetchSettings loads the settings of a write key. Network errors and
// unexpected status codes are retried once after 10 to 100ms.
func FetchSettings(ctx context.Context, client *http.Client, endpoint, writeKey string) (*Settings, error) {
	settings, retriable, err := fetchSettings(ctx, client, endpoint, writeKey)
	if err == nil || !retriable {
		return settings, err
	}

	delay := randomDuration(newRand(), 10*time.Millisecond,
		100*time.Millisecond)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	settings, _, err = fetchSettings(ctx, client, endpoint, writeKey)
	return settings, err
}

func fetchSettings(ctx context.Context, client *http.Client, endpoint, writeKey string) (*Settings, bool, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/settings/" +
		url.PathEscape(writeKey)

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cannot create http request: %w", err)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("cannot send http request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return nil, true, fmt.Errorf("cannot read response body: %w", err)
	}

	switch res.StatusCode {
	case 200:
	case 404:
		if strings.TrimSpace(string(body)) == InvalidWriteKeyBody {
			return nil, false, fmt.Errorf("%w %q", ErrInvalidWriteKey, writeKey)
		}

		return nil, false, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)

	default:
		return nil, true, fmt.Errorf("request failed with status %d",
			res.StatusCode)
	}

	var settings Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, false, fmt.Errorf("%w: cannot decode settings: %v",
			ErrEndpointConfigInvalid, err)
	}

	if !settings.Strategy.IsValid() {
		return nil, false, fmt.Errorf("%w: invalid strategy %q",
			ErrEndpointConfigInvalid, settings.Strategy)
	}

	return &settings, false, nil
}
