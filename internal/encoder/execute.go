// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package encoder

import (
	"context"
	"errors"

	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
)

// Recorder receives hardware attempt outcomes. *hardware.Service implements it.
type Recorder interface {
	RecordSuccess()
	RecordFailure(backend hardware.Backend)
}

// ErrNoAttempts is returned when a decision carries no plans.
var ErrNoAttempts = errors.New("encoder: no attempts")

// Execute runs attempt for each plan in order. Hardware failures are recorded
// and the next plan is tried; the software plan's error is returned as is.
// Cancellation stops the chain without blaming the hardware.
func Execute(ctx context.Context, d Decision, rec Recorder, attempt func(context.Context, Plan) error) (Plan, error) {
	logger := xglog.FromContext(ctx)
	plans := d.Attempts()
	if len(plans) == 0 {
		return Plan{}, ErrNoAttempts
	}
	var lastErr error
	for _, p := range plans {
		err := attempt(ctx, p)
		if !p.IsHardware {
			metrics.RecordEncoderAttempt("software", result(err))
			return p, err
		}
		if err == nil {
			metrics.RecordEncoderAttempt(string(p.Backend), "success")
			rec.RecordSuccess()
			return p, nil
		}
		if ctx.Err() != nil || ffmpeg.IsCanceled(err) {
			return p, err
		}
		lastErr = err
		metrics.RecordEncoderAttempt(string(p.Backend), "failure")
		rec.RecordFailure(p.Backend)
		logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "hardware.fallback").
			Str(xglog.FieldBackend, string(p.Backend)).
			Str(xglog.FieldEncoder, p.Encoder).
			Msg("hardware encode failed, falling back")
	}
	return plans[len(plans)-1], lastErr
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
