// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hardware

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestServiceSharesInFlightProbe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	release := make(chan struct{})
	svc := NewService(func(context.Context) Result {
		calls.Add(1)
		<-release
		return Result{Available: true, Backend: BackendVAAPI}
	}, resilience.NewCircuitBreaker(2, time.Minute))

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Get(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, BackendVAAPI, r.Backend)
	}

	svc.Get(context.Background())
	assert.Equal(t, int32(1), calls.Load(), "result is cached")
}

func TestServiceResetReprobesAndClearsBreaker(t *testing.T) {
	var calls atomic.Int32
	svc := NewService(func(context.Context) Result {
		calls.Add(1)
		return Result{Backend: BackendNone}
	}, resilience.NewCircuitBreaker(2, time.Minute))

	svc.Get(context.Background())
	svc.RecordFailure(BackendVAAPI)
	svc.RecordFailure(BackendVAAPI)
	assert.False(t, svc.Breaker().DisabledUntil.IsZero())

	svc.Reset()
	assert.True(t, svc.Breaker().DisabledUntil.IsZero())
	svc.Get(context.Background())
	assert.Equal(t, int32(2), calls.Load())
}

func TestServiceRecordSuccessClearsCounter(t *testing.T) {
	svc := NewService(func(context.Context) Result { return Result{} }, resilience.NewCircuitBreaker(2, time.Minute))
	svc.RecordFailure(BackendQSV)
	assert.Equal(t, 1, svc.Breaker().ConsecutiveFailures)
	svc.RecordSuccess()
	assert.Equal(t, 0, svc.Breaker().ConsecutiveFailures)
}
