package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/galdor/go-log"
	"github.com/galdor/go-telemetry/pkg/store"
	"github.com/galdor/go-telemetry/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

type Event struct {
	Type string    `json:"type"`
	Tab  int       `json:"tab"`
	Seq  int64     `json:"seq"`
	Time time.Time `json:"time"`
}

// Simulation runs a fixed number of tab slots sharing one store. When a tab
// reaches the end of its lifetime, it is hidden and closed, and a new tab
// takes its slot.
type Simulation struct {
	Cfg *Cfg
	Log *log.Logger

	store      store.Store
	httpClient *http.Client
	transport  *telemetry.HTTPTransport
	beacon     *telemetry.HTTPBeacon
	network    *telemetry.NetworkStatus

	nbEvents int64
	nbTabs   int64
}

func NewSimulation(cfg *Cfg, logger *log.Logger) (*Simulation, error) {
	var s store.Store

	if cfg.StorePath == "" {
		memoryStore := store.NewMemoryStore()
		memoryStore.MaxBytes = cfg.StoreQuota

		s = memoryStore
	} else {
		boltStore, err := store.OpenBoltStore(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("cannot open store: %w", err)
		}

		s = boltStore
	}

	httpClient := telemetry.NewHTTPClient()

	transport := telemetry.NewHTTPTransport(telemetry.HTTPTransportCfg{
		Client: httpClient,
		Gzip:   cfg.Gzip,
	})

	beacon, err := telemetry.NewHTTPBeacon(telemetry.HTTPBeaconCfg{
		Transport: transport,
		Logger:    logger.Child("beacon", log.Data{}),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cannot create beacon: %w", err)
	}

	sim := Simulation{
		Cfg: cfg,
		Log: logger,

		store:      s,
		httpClient: httpClient,
		transport:  transport,
		beacon:     beacon,
		network:    telemetry.NewNetworkStatus(true),
	}

	return &sim, nil
}

func (s *Simulation) Close() {
	if err := s.store.Close(); err != nil {
		s.Log.Error("cannot close store: %v", err)
	}
}

func (s *Simulation) Run(ctx context.Context) error {
	keys, err := s.queueKeys()
	if err != nil {
		return err
	}

	if len(keys) > 0 {
		s.Log.Info("%d queue snapshots left by a previous run", len(keys))
	}

	ctx, cancel := context.WithTimeout(ctx, s.Cfg.duration)
	defer cancel()

	errorChan := make(chan error, 1)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.Cfg.NbTabs; i++ {
		slot := i
		g.Go(func() error {
			return s.runSlot(ctx, slot, errorChan)
		})
	}

	if s.Cfg.offlineInterval > 0 {
		g.Go(func() error {
			s.simulateNetwork(ctx)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case err := <-errorChan:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	err = g.Wait()

	s.beacon.Wait()

	return err
}

func (s *Simulation) runSlot(ctx context.Context, slot int, errorChan chan<- error) error {
	for ctx.Err() == nil {
		if err := s.runTab(ctx, slot, errorChan); err != nil {
			return err
		}
	}

	return nil
}

func (s *Simulation) runTab(ctx context.Context, slot int, errorChan chan<- error) error {
	id := telemetry.NewCandidateId()

	logger := s.Log.Child("tab", log.Data{
		"slot": slot,
		"tab":  id,
	})

	client, err := telemetry.NewClient(telemetry.ClientCfg{
		WriteKey: s.Cfg.WriteKey,
		Endpoint: s.Cfg.Endpoint,
		Id:       id,

		Store:        s.store,
		Transport:    s.transport,
		Beacon:       s.beacon,
		Connectivity: s.network,
		HTTPClient:   s.httpClient,

		Logger: logger,

		FetchSettings: true,

		ErrorChan: errorChan,
	})
	if err != nil {
		return fmt.Errorf("cannot create client: %w", err)
	}

	atomic.AddInt64(&s.nbTabs, 1)

	client.Start()
	defer client.Stop()

	var lifetimeChan <-chan time.Time
	if s.Cfg.tabLifetime > 0 {
		lifetime := time.Duration(rand.Int63n(int64(s.Cfg.tabLifetime))) + 1
		lifetimeChan = time.After(lifetime)
	}

	period := time.Duration(float64(time.Second) / s.Cfg.EventRate)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var seq int64

	for {
		select {
		case <-ctx.Done():
			client.Hide()
			return nil

		case <-lifetimeChan:
			logger.Info("closing tab")
			client.Hide()
			return nil

		case <-ticker.C:
			seq++

			event := Event{
				Type: "page",
				Tab:  slot,
				Seq:  seq,
				Time: time.Now().UTC(),
			}

			if err := client.Enqueue(event); err != nil {
				logger.Error("cannot enqueue event: %v", err)
				continue
			}

			atomic.AddInt64(&s.nbEvents, 1)
		}
	}
}

func (s *Simulation) simulateNetwork(ctx context.Context) {
	interval := s.Cfg.offlineInterval

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.network.SetOnline(true)
			return

		case <-timer.C:
		}

		online := !s.network.Online()

		delay := interval
		if !online {
			delay = time.Duration(rand.Int63n(int64(interval))) + 1
		}

		s.Log.Info("network %s for %v", onlineString(online), delay)
		s.network.SetOnline(online)

		timer.Reset(delay)
	}
}

func (s *Simulation) queueKeys() ([]string, error) {
	keys, err := s.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("cannot list store keys: %w", err)
	}

	var queueKeys []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".queue") {
			queueKeys = append(queueKeys, key)
		}
	}

	return queueKeys, nil
}

// Report prints the number of events emitted by tabs and the number of
// events received by the collector.
func (s *Simulation) Report(ctx context.Context) error {
	s.Log.Info("%d tabs emitted %d events",
		atomic.LoadInt64(&s.nbTabs), atomic.LoadInt64(&s.nbEvents))

	keys, err := s.queueKeys()
	if err != nil {
		return err
	}

	s.Log.Info("%d queue snapshots left in the store", len(keys))

	stats, err := s.fetchStats(ctx)
	if err != nil {
		return err
	}

	keyStats, found := stats[s.Cfg.WriteKey]
	if !found {
		s.Log.Info("the collector has not received any event")
		return nil
	}

	s.Log.Info("the collector received %d events in %d batches "+
		"(%d batches rejected)", keyStats.NbEvents, keyStats.NbBatches,
		keyStats.NbRejectedBatches)

	return nil
}

type collectorStats struct {
	NbBatches         int64 `json:"nbBatches"`
	NbEvents          int64 `json:"nbEvents"`
	NbRejectedBatches int64 `json:"nbRejectedBatches"`
}

func (s *Simulation) fetchStats(ctx context.Context) (map[string]collectorStats, error) {
	uri := strings.TrimSuffix(s.Cfg.Endpoint, "/") + "/stats"

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot send http request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return nil, fmt.Errorf("request failed with status %d",
			res.StatusCode)
	}

	var stats map[string]collectorStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("cannot decode response body: %w", err)
	}

	return stats, nil
}

func onlineString(online bool) string {
	if online {
		return "online"
	}

	return "offline"
}
