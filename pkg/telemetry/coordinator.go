package telemetry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type CoordinatorCfg struct {
	Id     CandidateId
	Leases LeaseStore

	Logger Logger
	Clock  clockwork.Clock

	// OnLeadershipChange is called from the coordinator goroutine after the
	// first election round and every time leadership is gained or lost.
	OnLeadershipChange func(isLeader bool)

	LeaseDuration time.Duration
	RenewMargin   time.Duration
	MinJitter     time.Duration
	MaxJitter     time.Duration

	ErrorChan chan<- error
}

// Coordinator runs the election protocol for one candidate. Rounds run in
// a single goroutine; Resign is processed by the same goroutine so that it
// never interleaves with a round.
type Coordinator struct {
	Cfg CoordinatorCfg
	Log Logger

	Id CandidateId

	leases LeaseStore
	clock  clockwork.Clock

	isLeader bool
	reported bool

	randGenerator *rand.Rand

	resignChan chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	leaderMu sync.RWMutex
}

func NewCoordinator(cfg CoordinatorCfg) (*Coordinator, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty candidate id")
	}

	if cfg.Leases == nil {
		return nil, fmt.Errorf("missing lease store")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.OnLeadershipChange == nil {
		cfg.OnLeadershipChange = func(bool) {}
	}

	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 1200 * time.Millisecond
	}

	if cfg.RenewMargin == 0 {
		cfg.RenewMargin = 200 * time.Millisecond
	}

	if cfg.MinJitter == 0 {
		cfg.MinJitter = 200 * time.Millisecond
	}

	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = 400 * time.Millisecond
	}

	if cfg.MaxJitter < cfg.MinJitter {
		return nil, fmt.Errorf("maximum jitter %v is lower than minimum "+
			"jitter %v", cfg.MaxJitter, cfg.MinJitter)
	}

	c := &Coordinator{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		leases: cfg.Leases,
		clock:  cfg.Clock,

		randGenerator: newRand(),

		resignChan: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}

	return c, nil
}

func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		Panicf("coordinator already started")
	}
	c.started = true

	c.Log.Debug(1, "starting election coordinator")

	c.wg.Add(1)
	go c.main()
}

// Close stops participating in elections. It does not resign: a leader
// closing without resigning keeps its lease until it expires.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.Log.Debug(1, "election coordinator closed")
}

// Resign asks the coordinator to give up leadership if it currently holds
// the beat lease. The request is processed asynchronously.
func (c *Coordinator) Resign() {
	select {
	case c.resignChan <- struct{}{}:
	default:
	}
}

func (c *Coordinator) IsLeader() bool {
	c.leaderMu.RLock()
	defer c.leaderMu.RUnlock()

	return c.isLeader
}

func (c *Coordinator) main() {
	defer c.wg.Done()
	defer recoverGoroutine(c.Log, "election coordinator", c.Cfg.ErrorChan)

	timer := c.clock.After(0)

	for {
		select {
		case <-c.stopChan:
			return

		case <-c.resignChan:
			c.resign()

		case <-timer:
			isLeader, delay := c.keep()
			timer = c.clock.After(delay)
			c.setLeader(isLeader)
		}
	}
}

// keep runs one election round and returns its outcome and the delay
// before the next round.
func (c *Coordinator) keep() (bool, time.Duration) {
	isLeader, expiry, err := c.tryElection()
	if err != nil {
		c.Log.Error("election round failed: %v", err)

		isLeader = false
		expiry = c.clock.Now()
	}

	interval := expiry.Sub(c.clock.Now())

	var delay time.Duration
	if isLeader {
		// Renew before the lease lapses.
		delay = interval - c.Cfg.RenewMargin
	} else {
		delay = interval + randomDuration(c.randGenerator,
			c.Cfg.MinJitter, c.Cfg.MaxJitter)
	}

	if delay < 0 {
		delay = 0
	}

	c.Log.Debug(2, "next election round in %v", delay)

	return isLeader, delay
}

// tryElection runs a single election round. It returns whether the
// candidate is the leader and the expiry of the lease which decided the
// round.
func (c *Coordinator) tryElection() (bool, time.Time, error) {
	beat, err := c.readOwner(SlotBeat)
	if err != nil {
		return false, time.Time{}, err
	}

	if beat.Owner != "" && beat.Owner != c.Id {
		return false, beat.Expiry, nil
	}

	expiry, err := c.claim(SlotBeat)
	if err != nil {
		return false, time.Time{}, err
	}

	if beat.Owner == c.Id && c.clock.Now().Before(beat.Expiry) {
		// Uncontested renewal: nobody could have seen the beat slot vacant
		// while we were holding it.
		return true, expiry, nil
	}

	election, err := c.readOwner(SlotElection)
	if err != nil {
		return false, time.Time{}, err
	}

	if election.Owner != "" && election.Owner != c.Id {
		return false, election.Expiry, nil
	}

	if _, err := c.claim(SlotElection); err != nil {
		return false, time.Time{}, err
	}

	beat, err = c.readOwner(SlotBeat)
	if err != nil {
		return false, time.Time{}, err
	}

	return beat.Owner == c.Id, beat.Expiry, nil
}

// readOwner returns the lease of a slot if it is live, or a zero lease.
func (c *Coordinator) readOwner(slot Slot) (Lease, error) {
	lease, err := c.leases.ReadLease(slot)
	if err != nil {
		return Lease{}, err
	}

	if !lease.IsLive(c.clock.Now()) {
		return Lease{}, nil
	}

	return lease, nil
}

func (c *Coordinator) claim(slot Slot) (time.Time, error) {
	lease := Lease{
		Owner:  c.Id,
		Expiry: c.clock.Now().Add(c.Cfg.LeaseDuration),
	}

	if err := c.leases.WriteLease(slot, lease); err != nil {
		return time.Time{}, err
	}

	return lease.Expiry, nil
}

func (c *Coordinator) resign() {
	beat, err := c.readOwner(SlotBeat)
	if err != nil {
		c.Log.Error("cannot resign: %v", err)
		return
	}

	if beat.Owner != c.Id {
		return
	}

	if err := c.leases.ClearLease(SlotBeat); err != nil {
		c.Log.Error("cannot resign: %v", err)
		return
	}

	c.Log.Info("resigned leadership")

	c.setLeader(false)
}

func (c *Coordinator) setLeader(isLeader bool) {
	c.leaderMu.Lock()
	changed := !c.reported || c.isLeader != isLeader
	c.isLeader = isLeader
	c.reported = true
	c.leaderMu.Unlock()

	if !changed {
		return
	}

	if isLeader {
		c.Log.Debug(1, "elected as leader")
	} else {
		c.Log.Debug(1, "not the leader")
	}

	c.Cfg.OnLeadershipChange(isLeader)
}
