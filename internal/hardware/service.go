// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hardware

import (
	"context"
	"sync"

	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ProbeFunc runs a hardware probe.
type ProbeFunc func(ctx context.Context) Result

// Service is the process-wide hardware status: a cached probe result plus the
// encoder circuit breaker. Concurrent Get calls share one in-flight probe.
type Service struct {
	probe   ProbeFunc
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu     sync.Mutex
	cached *Result
	gen    uint64
	group  singleflight.Group
}

// NewService wires a probe function and breaker into a status service.
func NewService(probe ProbeFunc, breaker *resilience.CircuitBreaker) *Service {
	return &Service{
		probe:   probe,
		breaker: breaker,
		logger:  xglog.WithComponent("hardware"),
	}
}

// Get returns the cached probe result, probing on first use.
func (s *Service) Get(ctx context.Context) Result {
	s.mu.Lock()
	if s.cached != nil {
		r := *s.cached
		s.mu.Unlock()
		return r
	}
	gen := s.gen
	s.mu.Unlock()

	v, _, _ := s.group.Do("probe", func() (any, error) {
		// Detach so one caller's cancellation does not fail everyone sharing the probe.
		r := s.probe(context.WithoutCancel(ctx))
		s.mu.Lock()
		if s.gen == gen {
			s.cached = &r
		}
		s.mu.Unlock()
		return r, nil
	})
	return v.(Result)
}

// Breaker returns the breaker snapshot.
func (s *Service) Breaker() resilience.Snapshot {
	return s.breaker.Snapshot()
}

// RecordSuccess clears the failure counter and any open breaker.
func (s *Service) RecordSuccess() {
	s.breaker.RecordSuccess()
}

// RecordFailure counts a failed hardware attempt on backend.
func (s *Service) RecordFailure(backend Backend) {
	if s.breaker.RecordFailure(string(backend)) {
		snap := s.breaker.Snapshot()
		s.logger.Warn().
			Str(xglog.FieldEvent, "hardware.breaker_open").
			Str(xglog.FieldBackend, string(backend)).
			Time("disabled_until", snap.DisabledUntil).
			Msg("hardware encoding disabled after consecutive failures")
	}
}

// Reset drops the cached probe and closes the breaker. The next Get re-probes.
func (s *Service) Reset() {
	s.mu.Lock()
	s.cached = nil
	s.gen++
	s.mu.Unlock()
	s.group.Forget("probe")
	s.breaker.Reset()
	s.logger.Info().Str(xglog.FieldEvent, "hardware.reset").Msg("hardware status reset")
}
