package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/galdor/go-telemetry/pkg/store"
	"github.com/jonboulle/clockwork"
)

type ClientCfg struct {
	WriteKey string
	Endpoint string

	// KeyPrefix is the prefix of every key written to the store. It
	// defaults to "telemetry." followed by the first 7 characters of the
	// write key.
	KeyPrefix string

	Id CandidateId

	Store        store.Store
	Transport    Transport
	Beacon       Beacon
	Connectivity Connectivity

	Logger Logger
	Clock  clockwork.Clock

	MaxEventSize int
	QuietPeriod  time.Duration

	LeaseDuration time.Duration
	RenewMargin   time.Duration
	MinJitter     time.Duration
	MaxJitter     time.Duration

	// FetchSettings loads the settings of the write key from the endpoint
	// when the client starts, using HTTPClient.
	FetchSettings bool
	HTTPClient    *http.Client

	ErrorChan chan<- error
}

// Client is the telemetry agent of one tab. Every client of a store takes
// part in the election; the leader owns the only sender and merges the
// queues persisted by followers.
type Client struct {
	Cfg ClientCfg
	Log Logger

	Id CandidateId

	store       store.Store
	queue       *Queue
	coordinator *Coordinator

	keyPrefix   string
	leaderKey   Key
	followerKey Key

	// Main goroutine state
	sender *Sender

	state    State
	settings Settings
	stateMu  sync.RWMutex

	leaderChan chan bool
	hideChan   chan chan struct{}

	cancelWatch   func()
	cancelSettings context.CancelFunc

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.WriteKey == "" {
		return nil, fmt.Errorf("missing or empty write key")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing or empty endpoint")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("missing store")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.KeyPrefix == "" {
		prefix := cfg.WriteKey
		if len(prefix) > 7 {
			prefix = prefix[:7]
		}

		cfg.KeyPrefix = "telemetry." + prefix
	}

	if cfg.Id == "" {
		cfg.Id = NewCandidateId()
	} else if !isQueueToken(string(cfg.Id)) {
		return nil, fmt.Errorf("invalid candidate id %q", cfg.Id)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient()
	}

	if cfg.Transport == nil {
		cfg.Transport = NewHTTPTransport(HTTPTransportCfg{
			Client: cfg.HTTPClient,
		})
	}

	if cfg.Connectivity == nil {
		cfg.Connectivity = AlwaysOnline()
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	c := &Client{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		store: cfg.Store,

		keyPrefix:   cfg.KeyPrefix,
		leaderKey:   FixedKey(cfg.KeyPrefix + "." + string(cfg.Id) + ".queue"),
		followerKey: TemplatedKey(cfg.KeyPrefix+".", ".queue"),

		state:    StateFollower,
		settings: DefaultSettings(),

		leaderChan: make(chan bool, 1),
		hideChan:   make(chan chan struct{}),

		stopChan: make(chan struct{}),
	}

	queue, err := NewQueue(QueueCfg{
		Store:        cfg.Store,
		Key:          c.followerKey,
		MaxEntrySize: cfg.MaxEventSize,

		Logger: cfg.Logger,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create queue: %w", err)
	}

	c.queue = queue

	coordinator, err := NewCoordinator(CoordinatorCfg{
		Id:     cfg.Id,
		Leases: NewStoreLeases(cfg.Store, cfg.KeyPrefix, cfg.Logger),

		Logger: cfg.Logger,
		Clock:  cfg.Clock,

		OnLeadershipChange: c.onLeadershipChange,

		LeaseDuration: cfg.LeaseDuration,
		RenewMargin:   cfg.RenewMargin,
		MinJitter:     cfg.MinJitter,
		MaxJitter:     cfg.MaxJitter,

		ErrorChan: cfg.ErrorChan,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create coordinator: %w", err)
	}

	c.coordinator = coordinator

	return c, nil
}

func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		Panicf("client already started")
	}
	c.started = true

	c.Log.Info("starting client %s", c.Id)

	changes, cancel := c.store.Watch()
	c.cancelWatch = cancel

	c.wg.Add(1)
	go c.main(changes)

	if c.Cfg.FetchSettings {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelSettings = cancel

		c.wg.Add(1)
		go c.loadSettings(ctx)
	}

	c.coordinator.Start()
}

// Stop leaves the election without resigning, stops the sender and
// persists the queue a last time.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.coordinator.Close()

	if c.cancelSettings != nil {
		c.cancelSettings()
	}

	close(c.stopChan)
	c.wg.Wait()

	c.cancelWatch()

	if c.sender != nil {
		c.sender.Close()
		c.sender = nil
	}

	c.queue.Close()

	c.Log.Info("client %s stopped", c.Id)
}

// Enqueue adds an event to the queue. The event is serialized to JSON
// immediately.
func (c *Client) Enqueue(event interface{}) error {
	if err := c.queue.Append(event); err != nil {
		var tooLargeErr *ItemTooLargeError
		if errors.As(err, &tooLargeErr) {
			c.Log.Error("dropping event: %v", err)
		}

		return err
	}

	return nil
}

// Hide must be called when the tab is hidden. The queue is persisted; the
// leader flushes its sender and resigns so that another tab takes over.
func (c *Client) Hide() {
	done := make(chan struct{})

	select {
	case c.hideChan <- done:
	case <-c.stopChan:
		return
	}

	select {
	case <-done:
	case <-c.stopChan:
	}
}

func (c *Client) IsLeader() bool {
	return c.State() == StateLeader
}

func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

func (c *Client) Settings() Settings {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.settings
}

// Queue returns the queue of the client. It is exposed for inspection.
func (c *Client) Queue() *Queue {
	return c.queue
}

// onLeadershipChange runs in the coordinator goroutine. Only the last
// state matters, so a value not yet consumed by the main goroutine is
// replaced.
func (c *Client) onLeadershipChange(isLeader bool) {
	for {
		select {
		case c.leaderChan <- isLeader:
			return
		default:
		}

		select {
		case <-c.leaderChan:
		default:
		}
	}
}

func (c *Client) main(changes <-chan store.Change) {
	defer c.wg.Done()
	defer recoverGoroutine(c.Log, "client", c.Cfg.ErrorChan)

	for {
		select {
		case <-c.stopChan:
			return

		case isLeader := <-c.leaderChan:
			if isLeader {
				c.becomeLeader()
			} else {
				c.becomeFollower()
			}

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}

			if c.state == StateLeader && !change.Deleted {
				c.adoptQueue(change.Key)
			}

		case done := <-c.hideChan:
			c.hide()
			close(done)
		}
	}
}

func (c *Client) becomeLeader() {
	if c.state == StateLeader {
		return
	}

	c.Log.Info("elected as leader")

	c.queue.SetKey(c.leaderKey)

	keys, err := store.KeysWithPrefix(c.store, c.keyPrefix+".")
	if err != nil {
		c.Log.Error("cannot list queues: %v", err)
	}

	var adopted []string
	for _, key := range keys {
		if !c.isForeignQueueKey(key) {
			continue
		}

		if _, err := c.queue.Load(key); err != nil {
			c.Log.Error("cannot load queue: %v", err)
			continue
		}

		adopted = append(adopted, key)
	}

	if len(adopted) > 0 {
		if err := c.queue.Save(); err != nil {
			// The adopted snapshots are the only durable copy of their
			// events until the merged queue is written.
			c.Log.Error("keeping %d adopted queues: %v", len(adopted), err)
			adopted = nil
		}

		for _, key := range adopted {
			if err := c.store.Delete(key); err != nil {
				c.Log.Error("cannot delete queue %q: %v", key, err)
			}
		}

		c.Log.Debug(1, "adopted %d queues", len(adopted))
	}

	sender, err := NewSender(SenderCfg{
		WriteKey: c.Cfg.WriteKey,
		Endpoint: c.Cfg.Endpoint,

		Queue:        c.queue,
		Transport:    c.Cfg.Transport,
		Beacon:       c.Cfg.Beacon,
		Connectivity: c.Cfg.Connectivity,

		Logger: c.Log,
		Clock:  c.Cfg.Clock,

		QuietPeriod: c.Cfg.QuietPeriod,

		ErrorChan: c.Cfg.ErrorChan,
	})
	if err != nil {
		Panicf("cannot create sender: %v", err)
	}

	c.sender = sender
	c.sender.Start()

	c.setState(StateLeader)
}

func (c *Client) becomeFollower() {
	if c.sender != nil {
		c.sender.Close()
		c.sender = nil
	}

	if c.state == StateLeader {
		c.Log.Info("there is another leader")
	}

	c.setState(StateFollower)

	c.queue.SetKey(c.followerKey)
}

// adoptQueue merges a queue persisted by another client after the leader
// was elected.
func (c *Client) adoptQueue(key string) {
	if !c.isForeignQueueKey(key) {
		return
	}

	n, err := c.queue.Load(key)
	if err != nil {
		c.Log.Error("cannot load queue: %v", err)
		return
	}

	if err := c.queue.Save(); err != nil {
		c.Log.Error("keeping queue %q: %v", key, err)
		return
	}

	if err := c.store.Delete(key); err != nil {
		c.Log.Error("cannot delete queue %q: %v", key, err)
	}

	c.Log.Debug(1, "adopted %d events from %q", n, key)
}

func (c *Client) hide() {
	c.queue.Save()

	if c.state == StateLeader {
		c.sender.Flush()
		c.coordinator.Resign()
	}
}

// isForeignQueueKey reports whether key is the queue of a follower or of a
// former leader: "<prefix>.<token>.queue" where the token is a single key
// segment, other than the queue of the client itself.
func (c *Client) isForeignQueueKey(key string) bool {
	if key == c.leaderKey.Resolve("") {
		return false
	}

	rest, found := strings.CutPrefix(key, c.keyPrefix+".")
	if !found {
		return false
	}

	token, found := strings.CutSuffix(rest, ".queue")
	if !found {
		return false
	}

	return isQueueToken(token)
}

// isQueueToken reports whether a string can identify a queue key without
// being confused with the lease keys.
func isQueueToken(s string) bool {
	return s != "" && s != "leader" && !strings.Contains(s, ".")
}

func (c *Client) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

func (c *Client) loadSettings(ctx context.Context) {
	defer c.wg.Done()
	defer recoverGoroutine(c.Log, "settings loader", c.Cfg.ErrorChan)

	settings, err := FetchSettings(ctx, c.Cfg.HTTPClient, c.Cfg.Endpoint,
		c.Cfg.WriteKey)
	if err != nil {
		if ctx.Err() == nil {
			c.Log.Error("cannot load settings: %v", err)
		}

		return
	}

	c.Log.Debug(1, "loaded settings: strategy %s", settings.Strategy)

	c.stateMu.Lock()
	c.settings = *settings
	c.stateMu.Unlock()
}
