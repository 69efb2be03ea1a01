// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// run is one in-flight combine. Waiters block on done and read err.
type run struct {
	id        string
	startedAt time.Time
	done      chan struct{}
	cancel    context.CancelFunc

	mu  sync.Mutex
	err error
}

func (r *run) setError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// registry runs at most one job per id. A second ensure while a job is in
// flight returns the existing run; the entry is removed when the job ends.
type registry struct {
	mu     sync.Mutex
	runs   map[string]*run
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newRegistry(logger zerolog.Logger) *registry {
	base, stop := context.WithCancel(context.Background())
	return &registry{
		runs:   make(map[string]*run),
		base:   base,
		stop:   stop,
		logger: logger,
	}
}

// ensure starts work for id unless a run is already active.
// The work context is detached from callers and ends on shutdown or cancel.
func (r *registry) ensure(id string, work func(ctx context.Context) error) (*run, bool) {
	r.mu.Lock()
	if existing, ok := r.runs[id]; ok {
		select {
		case <-existing.done:
			// finished but not yet removed
			delete(r.runs, id)
		default:
			r.mu.Unlock()
			return existing, false
		}
	}
	if r.base.Err() != nil {
		r.mu.Unlock()
		rn := &run{id: id, done: make(chan struct{}), cancel: func() {}}
		rn.setError(fmt.Errorf("shutting down: %w", r.base.Err()))
		close(rn.done)
		return rn, true
	}

	ctx, cancel := context.WithCancel(r.base)
	rn := &run{
		id:        id,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	r.runs[id] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(ctx, rn, work)
	return rn, true
}

func (r *registry) execute(ctx context.Context, rn *run, work func(ctx context.Context) error) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("id", rn.id).Interface("panic", p).Msg("combine panicked")
			rn.setError(fmt.Errorf("panic: %v", p))
		}
		rn.cancel()
		close(rn.done)

		r.mu.Lock()
		if r.runs[rn.id] == rn {
			delete(r.runs, rn.id)
		}
		r.mu.Unlock()
	}()

	if err := work(ctx); err != nil {
		rn.setError(err)
	}
}

func (r *registry) get(id string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

// cancelAndWait stops the run for id, if any, and waits for it to finish.
func (r *registry) cancelAndWait(ctx context.Context, id string) {
	rn := r.get(id)
	if rn == nil {
		return
	}
	rn.cancel()
	select {
	case <-rn.done:
	case <-ctx.Done():
	}
}

// shutdown cancels every run and waits for all of them.
func (r *registry) shutdown() {
	r.mu.Lock()
	r.stop()
	n := len(r.runs)
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info().Int("count", n).Msg("cancelling in-flight combines")
	}
	r.wg.Wait()
}
