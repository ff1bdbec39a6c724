package main

import (
	"sync"
	"time"
)

type WriteKeyStats struct {
	NbBatches int64 `json:"nbBatches"`
	NbEvents  int64 `json:"nbEvents"`
	NbBytes   int64 `json:"nbBytes"`

	NbRejectedBatches int64 `json:"nbRejectedBatches"`

	LastBatchTime *time.Time `json:"lastBatchTime,omitempty"`
}

// Stats counts the batches received for each write key.
type Stats struct {
	WriteKeys map[string]*WriteKeyStats

	mu sync.RWMutex
}

func NewStats() *Stats {
	s := Stats{
		WriteKeys: make(map[string]*WriteKeyStats),
	}

	return &s
}

func (s *Stats) AddBatch(writeKey string, nbEvents, nbBytes int, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.writeKeyStats(writeKey)

	stats.NbBatches++
	stats.NbEvents += int64(nbEvents)
	stats.NbBytes += int64(nbBytes)
	stats.LastBatchTime = &t
}

func (s *Stats) AddRejectedBatch(writeKey string) {
	s.mu.Lock()
	s.writeKeyStats(writeKey).NbRejectedBatches++
	s.mu.Unlock()
}

func (s *Stats) writeKeyStats(writeKey string) *WriteKeyStats {
	stats, found := s.WriteKeys[writeKey]
	if !found {
		stats = &WriteKeyStats{}
		s.WriteKeys[writeKey] = stats
	}

	return stats
}

func (s *Stats) Get(writeKey string) (WriteKeyStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, found := s.WriteKeys[writeKey]
	if !found {
		return WriteKeyStats{}, false
	}

	return *stats, true
}

func (s *Stats) All() map[string]WriteKeyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]WriteKeyStats, len(s.WriteKeys))
	for key, stats := range s.WriteKeys {
		all[key] = *stats
	}

	return all
}
