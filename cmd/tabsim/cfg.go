package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/galdor/go-program"
)

type Cfg struct {
	Endpoint string `json:"endpoint"`
	WriteKey string `json:"writeKey"`

	// StorePath is the path of the bbolt database shared by tabs. Tabs use
	// an in-memory store when it is empty.
	StorePath  string `json:"storePath,omitempty"`
	StoreQuota int    `json:"storeQuota,omitempty"`

	NbTabs    int     `json:"nbTabs"`
	Duration  string  `json:"duration"`
	EventRate float64 `json:"eventRate"`

	// TabLifetime is the maximum lifetime of a tab. Tabs live for the
	// whole run when it is empty.
	TabLifetime string `json:"tabLifetime,omitempty"`

	// OfflineInterval is the period at which the network goes offline for
	// a random fraction of the interval. The network stays online when it
	// is empty.
	OfflineInterval string `json:"offlineInterval,omitempty"`

	Gzip bool `json:"gzip,omitempty"`

	duration        time.Duration
	tabLifetime     time.Duration
	offlineInterval time.Duration
}

func DefaultCfg() *Cfg {
	cfg := &Cfg{
		Endpoint: "http://localhost:8080/v1",
		WriteKey: "tabsim-write-key",

		NbTabs:    3,
		Duration:  "10s",
		EventRate: 5.0,
	}

	return cfg
}

func (cfg *Cfg) LoadFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot decode json data: %w", err)
	}

	return nil
}

// ApplyOptions overrides configuration fields with the command line options
// set by the user.
func (cfg *Cfg) ApplyOptions(p *program.Program) error {
	stringOptions := map[string]*string{
		"endpoint":         &cfg.Endpoint,
		"write-key":        &cfg.WriteKey,
		"store":            &cfg.StorePath,
		"duration":         &cfg.Duration,
		"tab-lifetime":     &cfg.TabLifetime,
		"offline-interval": &cfg.OfflineInterval,
	}

	for name, ptr := range stringOptions {
		if p.IsOptionSet(name) {
			*ptr = p.OptionValue(name)
		}
	}

	if p.IsOptionSet("tabs") {
		n, err := strconv.Atoi(p.OptionValue("tabs"))
		if err != nil {
			return fmt.Errorf("invalid number of tabs: %w", err)
		}

		cfg.NbTabs = n
	}

	if p.IsOptionSet("rate") {
		rate, err := strconv.ParseFloat(p.OptionValue("rate"), 64)
		if err != nil {
			return fmt.Errorf("invalid event rate: %w", err)
		}

		cfg.EventRate = rate
	}

	if p.IsOptionSet("gzip") {
		cfg.Gzip = true
	}

	return nil
}

func (cfg *Cfg) Check() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("missing or empty endpoint")
	}

	if cfg.WriteKey == "" {
		return fmt.Errorf("missing or empty write key")
	}

	if cfg.NbTabs < 1 {
		return fmt.Errorf("invalid number of tabs %d", cfg.NbTabs)
	}

	if cfg.EventRate <= 0.0 {
		return fmt.Errorf("invalid event rate %g", cfg.EventRate)
	}

	durations := []struct {
		name  string
		value string
		ptr   *time.Duration
	}{
		{"duration", cfg.Duration, &cfg.duration},
		{"tab lifetime", cfg.TabLifetime, &cfg.tabLifetime},
		{"offline interval", cfg.OfflineInterval, &cfg.offlineInterval},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}

		value, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}

		if value <= 0 {
			return fmt.Errorf("invalid %s %q", d.name, d.value)
		}

		*d.ptr = value
	}

	if cfg.duration == 0 {
		return fmt.Errorf("missing duration")
	}

	return nil
}
