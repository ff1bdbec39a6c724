package main

import (
	"fmt"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/galdor/go-telemetry/pkg/telemetry"
)

type ServiceCfg struct {
	Service   service.ServiceCfg `json:"service"`
	Collector CollectorCfg       `json:"collector"`
}

type CollectorCfg struct {
	Address string `json:"address"`

	// WriteKeys lists the write keys accepted by the collector. When empty,
	// every write key is accepted and served the default settings.
	WriteKeys map[string]WriteKeyCfg `json:"writeKeys,omitempty"`

	// FailureRate is the fraction of batches rejected with a 503 response,
	// used to exercise client retries.
	FailureRate float64 `json:"failureRate,omitempty"`
	RetryAfter  int     `json:"retryAfter,omitempty"`
}

type WriteKeyCfg struct {
	Strategy telemetry.Strategy `json:"strategy"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	stats     *Stats
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("collector", &cfg.Collector)
}

func (cfg *CollectorCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("address", cfg.Address)

	v.WithChild("writeKeys", func() {
		for key, keyCfg := range cfg.WriteKeys {
			v.WithChild(key, func() {
				v.CheckStringNotEmpty("strategy", string(keyCfg.Strategy))
			})
		}
	})
}

func NewService() *Service {
	s := Service{
		Cfg: ServiceCfg{
			Collector: CollectorCfg{
				Address: "localhost:8080",
			},
		},
	}

	return &s
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	cfg := s.Cfg.Collector

	for key, keyCfg := range cfg.WriteKeys {
		if !keyCfg.Strategy.IsValid() {
			return fmt.Errorf("invalid strategy %q for write key %q",
				keyCfg.Strategy, key)
		}
	}

	if cfg.FailureRate < 0.0 || cfg.FailureRate > 1.0 {
		return fmt.Errorf("invalid failure rate %g", cfg.FailureRate)
	}

	if cfg.RetryAfter < 0 {
		return fmt.Errorf("invalid retry after delay %d", cfg.RetryAfter)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               s.Cfg.Collector.Address,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.stats = NewStats()

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initAPIServer() error {
	logger := s.Log.Child("api", log.Data{
		"address": s.Cfg.Collector.Address,
	})

	api, err := NewAPIServer(s, logger)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	for key, stats := range s.stats.All() {
		s.Log.Info("write key %q: %d batches, %d events", key,
			stats.NbBatches, stats.NbEvents)
	}
}

func (s *Service) Terminate(ss *service.Service) {
}

// WriteKeySettings returns the settings served for a write key, or false if
// the write key is not accepted.
func (s *Service) WriteKeySettings(writeKey string) (telemetry.Settings, bool) {
	keys := s.Cfg.Collector.WriteKeys

	if len(keys) == 0 {
		return telemetry.DefaultSettings(), true
	}

	keyCfg, found := keys[writeKey]
	if !found {
		return telemetry.Settings{}, false
	}

	return telemetry.Settings{Strategy: keyCfg.Strategy}, true
}
