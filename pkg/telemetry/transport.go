package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"
)

type Response struct {
	Status     int
	StatusText string
	RetryAfter string
}

func (res *Response) String() string {
	return fmt.Sprintf("%d %s", res.Status, res.StatusText)
}

// Transport sends a request body and waits for the response. Keepalive
// requests are issued while the page is being hidden and must not depend
// on the caller staying around.
type Transport interface {
	Post(ctx context.Context, endpoint string, body []byte, keepalive bool) (*Response, error)
}

// Beacon queues a body for delivery without waiting for it. It returns
// false if the body cannot be queued.
type Beacon interface {
	SendBeacon(endpoint string, body []byte) bool
}

func NewHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,

		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("redirection to %s refused", req.URL)
		},
	}

	return &client
}

type HTTPTransportCfg struct {
	Client *http.Client

	// Gzip compresses request bodies and sets Content-Encoding.
	Gzip bool
}

type HTTPTransport struct {
	Cfg HTTPTransportCfg

	client *http.Client
}

func NewHTTPTransport(cfg HTTPTransportCfg) *HTTPTransport {
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient()
	}

	return &HTTPTransport{
		Cfg: cfg,

		client: cfg.Client,
	}
}

func (t *HTTPTransport) Post(ctx context.Context, endpoint string, body []byte, keepalive bool) (*Response, error) {
	data := body

	if t.Cfg.Gzip {
		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("cannot compress body: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("cannot compress body: %w", err)
		}

		data = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint,
		bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Cache-Control", "no-cache")

	if t.Cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	res, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	response := Response{
		Status:     res.StatusCode,
		StatusText: http.StatusText(res.StatusCode),
		RetryAfter: res.Header.Get("Retry-After"),
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// Keep the first line of the body, it usually carries the error
		// message.
		body, err := io.ReadAll(io.LimitReader(res.Body, 1024))
		if err == nil {
			msg := string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx >= 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				response.StatusText += ": " + msg
			}
		}
	}

	io.Copy(io.Discard, res.Body)

	return &response, nil
}

type HTTPBeaconCfg struct {
	Transport *HTTPTransport
	Logger    Logger

	// MaxInFlight is the maximum number of beacons being delivered at the
	// same time.
	MaxInFlight int64

	Timeout time.Duration
}

// HTTPBeacon delivers bodies in the background with an HTTP transport.
// Delivery is never confirmed to the caller.
type HTTPBeacon struct {
	Cfg HTTPBeaconCfg
	Log Logger

	transport *HTTPTransport
	slots     *semaphore.Weighted

	wg sync.WaitGroup
}

func NewHTTPBeacon(cfg HTTPBeaconCfg) (*HTTPBeacon, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Transport == nil {
		cfg.Transport = NewHTTPTransport(HTTPTransportCfg{})
	}

	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 8
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	b := HTTPBeacon{
		Cfg: cfg,
		Log: cfg.Logger,

		transport: cfg.Transport,
		slots:     semaphore.NewWeighted(cfg.MaxInFlight),
	}

	return &b, nil
}

func (b *HTTPBeacon) SendBeacon(endpoint string, body []byte) bool {
	if len(body) > MaxKeepaliveBodySize {
		return false
	}

	if !b.slots.TryAcquire(1) {
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.slots.Release(1)
		defer recoverGoroutine(b.Log, "beacon", nil)

		ctx, cancel := context.WithTimeout(context.Background(), b.Cfg.Timeout)
		defer cancel()

		res, err := b.transport.Post(ctx, endpoint, body, true)
		if err != nil {
			b.Log.Debug(1, "beacon to %s failed: %v", endpoint, err)
			return
		}

		b.Log.Debug(2, "beacon to %s: %v", endpoint, res)
	}()

	return true
}

// Wait blocks until all beacons in flight are delivered or have failed.
func (b *HTTPBeacon) Wait() {
	b.wg.Wait()
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Online() bool

	// OnlineChan returns a channel closed once the network is online. The
	// channel is already closed if the network is online.
	OnlineChan() <-chan struct{}
}

type alwaysOnline struct{}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func AlwaysOnline() Connectivity {
	return alwaysOnline{}
}

func (alwaysOnline) Online() bool {
	return true
}

func (alwaysOnline) OnlineChan() <-chan struct{} {
	return closedChan
}

// NetworkStatus is a Connectivity whose state is set by the application,
// usually from platform online and offline notifications.
type NetworkStatus struct {
	online     bool
	onlineChan chan struct{}

	mu sync.Mutex
}

func NewNetworkStatus(online bool) *NetworkStatus {
	s := NetworkStatus{
		online:     online,
		onlineChan: closedChan,
	}

	if !online {
		s.onlineChan = make(chan struct{})
	}

	return &s
}

func (s *NetworkStatus) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

func (s *NetworkStatus) OnlineChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.onlineChan
}

func (s *NetworkStatus) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}

	s.online = online

	if online {
		close(s.onlineChan)
	} else {
		s.onlineChan = make(chan struct{})
	}
}
