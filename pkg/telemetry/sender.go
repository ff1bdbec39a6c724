package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrBeaconRejected = errors.New("beacon rejected")

type SenderCfg struct {
	WriteKey string
	Endpoint string

	Queue        *Queue
	Transport    Transport
	Beacon       Beacon
	Connectivity Connectivity

	Logger Logger
	Clock  clockwork.Clock

	// QuietPeriod is the minimum age of the oldest queued event before a
	// batch is sent, so that bursts of events end up in the same batch.
	QuietPeriod time.Duration

	ErrorChan chan<- error
}

type timerAction int

const (
	timerActionDrain timerAction = iota
	timerActionRetry
)

type attempt struct {
	events    []string
	body      []byte
	keepalive bool
	retries   int
}

type attemptResult struct {
	attempt  *attempt
	response *Response
	err      error
}

type timerEvent struct {
	generation uint64
	action     timerAction
}

// Sender drains a queue by posting batches of events to an endpoint. All
// state is owned by the main goroutine; results of requests in flight are
// delivered back to it through a channel.
type Sender struct {
	Cfg SenderCfg
	Log Logger

	queue        *Queue
	transport    Transport
	beacon       Beacon
	connectivity Connectivity
	clock        clockwork.Clock

	randGenerator *rand.Rand

	// Main goroutine state
	sending         bool
	timer           clockwork.Timer
	timerGeneration uint64
	pending         *attempt
	onlineChan      <-chan struct{}
	nbFailures      int

	queueChan  chan struct{}
	flushChan  chan chan struct{}
	timerChan  chan timerEvent
	resultChan chan attemptResult

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewSender(cfg SenderCfg) (*Sender, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("missing queue")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing or empty endpoint")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Connectivity == nil {
		cfg.Connectivity = AlwaysOnline()
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.QuietPeriod == 0 {
		cfg.QuietPeriod = 300 * time.Millisecond
	}

	s := &Sender{
		Cfg: cfg,
		Log: cfg.Logger,

		queue:        cfg.Queue,
		transport:    cfg.Transport,
		beacon:       cfg.Beacon,
		connectivity: cfg.Connectivity,
		clock:        cfg.Clock,

		randGenerator: newRand(),

		queueChan:  make(chan struct{}, 1),
		flushChan:  make(chan chan struct{}),
		timerChan:  make(chan timerEvent),
		resultChan: make(chan attemptResult),

		stopChan: make(chan struct{}),
	}

	return s, nil
}

// Start registers the sender on its queue and starts draining it. Events
// already queued are sent as soon as they are old enough.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		Panicf("sender already started")
	}
	s.started = true

	s.queue.AddListener(s.queueChan)

	s.wg.Add(1)
	go s.main()
}

// Close stops the sender. Requests in flight are not cancelled; their
// result is ignored.
func (s *Sender) Close() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.queue.RemoveListener(s.queueChan)

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "sender closed")
}

// Flush sends queued events immediately in a single keepalive request,
// using the beacon if there is one. It returns once the request has been
// issued. Events sent with the beacon stay queued until a later request
// confirms their delivery.
func (s *Sender) Flush() {
	done := make(chan struct{})

	select {
	case s.flushChan <- done:
	case <-s.stopChan:
		return
	}

	select {
	case <-done:
	case <-s.stopChan:
	}
}

func (s *Sender) main() {
	defer s.wg.Done()
	defer recoverGoroutine(s.Log, "sender", s.Cfg.ErrorChan)

	defer s.cancelTimer()

	if !s.queue.IsEmpty() {
		s.setTimer(timerActionDrain, 0)
	}

	for {
		select {
		case <-s.stopChan:
			return

		case <-s.queueChan:
			if !s.sending && s.timer == nil {
				s.Log.Debug(2, "events will be sent in %v", s.Cfg.QuietPeriod)
				s.setTimer(timerActionDrain, s.Cfg.QuietPeriod)
			}

		case done := <-s.flushChan:
			s.send(true)
			close(done)

		case ev := <-s.timerChan:
			if ev.generation != s.timerGeneration || s.timer == nil {
				continue
			}
			s.timer = nil

			switch ev.action {
			case timerActionDrain:
				s.send(false)

			case timerActionRetry:
				a := s.pending
				s.pending = nil
				if a != nil {
					s.post(a)
				}
			}

		case <-s.onlineChan:
			s.onlineChan = nil

			s.Log.Debug(1, "network is online again, resuming")

			a := s.pending
			s.pending = nil
			if a != nil {
				a.retries = 0
				s.post(a)
			}

		case res := <-s.resultChan:
			s.handleResult(res.attempt, res.response, res.err)
		}
	}
}

func (s *Sender) send(keepalive bool) {
	if keepalive {
		if s.queue.IsEmpty() || (s.sending && s.timer == nil) {
			return
		}

		// A pending retry is abandoned; its events are still queued and are
		// part of the keepalive batch.
		s.cancelTimer()
		s.pending = nil
	} else {
		age, found := s.queue.Age()
		if !found {
			return
		}

		wait := age.Add(s.Cfg.QuietPeriod).Sub(s.clock.Now())
		if wait > 0 {
			s.Log.Debug(2, "events will be sent in %v", wait)
			s.setTimer(timerActionDrain, wait)
			return
		}
	}

	maxBodySize := MaxBodySize
	if keepalive {
		maxBodySize = MaxKeepaliveBodySize
	}

	suffix := batchSuffix(s.clock.Now(), s.Cfg.WriteKey)
	events := s.queue.Read(batchCapacity(maxBodySize, suffix),
		len(batchSeparator))
	if len(events) == 0 {
		return
	}

	a := attempt{
		events:    events,
		body:      encodeBatch(events, suffix),
		keepalive: keepalive,
	}

	s.Log.Debug(1, "sending %d events of %d (%d bytes)",
		len(events), s.queue.Len(), len(a.body))

	s.sending = true
	s.post(&a)
}

func (s *Sender) post(a *attempt) {
	if a.keepalive && s.beacon != nil {
		if !s.beacon.SendBeacon(s.Cfg.Endpoint, a.body) {
			s.handleResult(a, nil, ErrBeaconRejected)
			return
		}

		s.handleResult(a, nil, nil)
		return
	}

	go func() {
		res, err := s.transport.Post(context.Background(), s.Cfg.Endpoint,
			a.body, a.keepalive)

		select {
		case s.resultChan <- attemptResult{attempt: a, response: res, err: err}:
		case <-s.stopChan:
		}
	}()
}

func (s *Sender) handleResult(a *attempt, res *Response, err error) {
	outcome := classifyResponse(res, err)

	switch outcome {
	case outcomeSuccess:
		s.Log.Debug(1, "sent %d events", len(a.events))
		s.finish(a, true)
		return

	case outcomeUnconfirmed:
		s.Log.Debug(1, "sent %d events with beacon", len(a.events))
		s.finish(a, false)
		return
	}

	if err != nil {
		s.Log.Error("cannot send %d bytes: %v", len(a.body), err)
	} else {
		s.Log.Error("cannot send %d bytes: server responded with status %v",
			len(a.body), res)
	}

	if outcome == outcomeFatal {
		// The events stay queued and are sent again with a later batch.
		s.sending = false

		delay := retryDelay(res, s.nbFailures, s.clock.Now(),
			s.randGenerator)
		s.nbFailures++

		s.Log.Debug(1, "sending queued events again in %v", delay)

		s.setTimer(timerActionDrain, delay)
		return
	}

	if !s.connectivity.Online() {
		s.Log.Info("network is offline, pausing")

		s.pending = a
		s.onlineChan = s.connectivity.OnlineChan()
		return
	}

	delay := retryDelay(res, a.retries, s.clock.Now(), s.randGenerator)
	a.retries++

	s.Log.Debug(1, "retrying in %v", delay)

	s.pending = a
	s.setTimer(timerActionRetry, delay)
}

func (s *Sender) finish(a *attempt, delivered bool) {
	s.sending = false

	if delivered {
		s.nbFailures = 0
		s.queue.Remove(a.events)
	}

	if !s.queue.IsEmpty() {
		s.setTimer(timerActionDrain, 0)
	}
}

func (s *Sender) setTimer(action timerAction, delay time.Duration) {
	s.cancelTimer()

	s.timerGeneration++
	ev := timerEvent{
		generation: s.timerGeneration,
		action:     action,
	}

	s.timer = s.clock.AfterFunc(delay, func() {
		go func() {
			select {
			case s.timerChan <- ev:
			case <-s.stopChan:
			}
		}()
	})
}

func (s *Sender) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
