// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jonnyreeves/lap-time-overlay/internal/encoder"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/telemetry"
	"golang.org/x/time/rate"
)

const (
	outputName   = "output.mp4"
	chaptersName = "chapters.txt"
)

// BurnRequest asks for a new recording with the overlay encoded in.
type BurnRequest struct {
	RecordingID string
	UserID      string
	Style       overlay.Overrides
	// PreferHardware overrides the configured preference when set.
	PreferHardware *bool
	Chapters       bool
}

// burnJob is a validated burn ready to run.
type burnJob struct {
	source    recordings.Recording
	target    recordings.Recording
	laps      []overlay.Lap
	style     overlay.Style
	mediaPath string
	prefer    bool
	chapters  bool
}

// Burn renders the overlay into a new sibling recording and waits for the
// result. The source recording is never modified.
func (s *Service) Burn(ctx context.Context, req BurnRequest) (recordings.Recording, error) {
	job, err := s.prepareBurn(ctx, req)
	if err != nil {
		return recordings.Recording{}, err
	}
	if err := s.runBurn(ctx, job); err != nil {
		rec, getErr := s.store.GetRecording(context.WithoutCancel(ctx), job.target.ID)
		if getErr != nil {
			return recordings.Recording{}, err
		}
		return rec, err
	}
	return s.store.GetRecording(ctx, job.target.ID)
}

// StartBurn validates the request, creates the sibling recording and renders
// in the background. The returned recording is in combining.
func (s *Service) StartBurn(ctx context.Context, req BurnRequest) (recordings.Recording, error) {
	job, err := s.prepareBurn(ctx, req)
	if err != nil {
		return recordings.Recording{}, err
	}
	runCtx := xglog.ContextWithRecordingID(s.base, job.target.ID)
	if rid := xglog.RequestIDFromContext(ctx); rid != "" {
		runCtx = xglog.ContextWithRequestID(runCtx, rid)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.runBurn(runCtx, job)
	}()
	return job.target, nil
}

// prepareBurn runs every check before creating the sibling row, so a
// rejected burn leaves no trace.
func (s *Service) prepareBurn(ctx context.Context, req BurnRequest) (*burnJob, error) {
	const op = "burn"
	src, err := s.owned(ctx, op, req.RecordingID, req.UserID)
	if err != nil {
		return nil, err
	}
	switch {
	case src.Status != recordings.StatusReady:
		return nil, recordings.Validation(op, "recording is %s, not ready", src.Status)
	case src.OverlayBurned:
		return nil, recordings.Validation(op, "recording already has an overlay")
	case src.LapOneOffsetSeconds < 0:
		return nil, recordings.Validation(op, "lap one offset must not be negative")
	case src.MediaID == "":
		return nil, recordings.Validation(op, "recording has no media")
	}
	laps, err := s.laps(ctx, src.SessionID)
	if err != nil {
		return nil, err
	}
	if len(laps) == 0 {
		return nil, recordings.Validation(op, "session has no laps")
	}
	for _, l := range laps {
		if l.DurationSeconds <= 0 {
			return nil, recordings.Validation(op, "lap %d has no valid duration", l.Number)
		}
	}
	style, err := overlay.Merge(overlay.DefaultStyle(), req.Style)
	if err != nil {
		return nil, recordings.Validation(op, "%v", err)
	}
	mediaPath, err := s.cfg.Layout.MediaPath(src.MediaID)
	if err != nil {
		return nil, recordings.Internal(op, err)
	}
	prefer := s.cfg.PreferHardware
	if req.PreferHardware != nil {
		prefer = *req.PreferHardware
	}

	desc := strings.TrimSpace(src.Description)
	if desc == "" {
		desc = "Recording"
	}
	target, err := s.store.CreateRecording(ctx, recordings.Recording{
		ID:                  uuid.NewString(),
		SessionID:           src.SessionID,
		UserID:              src.UserID,
		Description:         desc + " (overlay)",
		Status:              recordings.StatusCombining,
		LapOneOffsetSeconds: src.LapOneOffsetSeconds,
	}, nil)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info().
		Str(xglog.FieldEvent, "burn.created").
		Str(xglog.FieldRecordingID, target.ID).
		Str("source_recording_id", src.ID).
		Msg("burn recording created")

	return &burnJob{
		source:    src,
		target:    target,
		laps:      laps,
		style:     style,
		mediaPath: mediaPath,
		prefer:    prefer,
		chapters:  req.Chapters,
	}, nil
}

func (s *Service) runBurn(ctx context.Context, job *burnJob) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "render.burn")
	span.SetAttributes(telemetry.RecordingAttributes(job.target.SessionID, job.target.ID)...)
	started := time.Now()
	logger := s.log(ctx)
	scratch := s.cfg.Layout.RenderDir(job.target.ID)
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logger.Warn().Err(rmErr).Str(xglog.FieldPath, scratch).Msg("failed to remove render scratch")
		}
		result := "success"
		if err != nil {
			result = "failure"
			s.failBurn(ctx, job.target.ID, err)
		}
		metrics.ObserveRender("burn", result, time.Since(started).Seconds())
		telemetry.EndSpan(span, err)
	}()

	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return recordings.Internal("burn", err)
	}
	dim, info, err := s.dimensions(ctx, job.mediaPath)
	if err != nil {
		return err
	}

	var chapters string
	if job.chapters {
		chapters = filepath.Join(scratch, chaptersName)
		meta := ChapterMetadata(overlay.ChapterMarks(job.laps, job.source.LapOneOffsetSeconds))
		if err := renameio.WriteFile(chapters, meta, 0o640); err != nil {
			return recordings.Internal("burn", fmt.Errorf("write chapters: %w", err))
		}
	}

	graph := overlay.Build(dim, job.laps, job.source.LapOneOffsetSeconds, job.style)
	decision := encoder.Build(s.hw.Get(ctx), job.prefer, s.cfg.Encoder, s.hw.Breaker(), s.now())
	if decision.CircuitBreakerActive {
		logger.Info().Time("disabled_until", decision.DisabledUntil).Msg("hardware encoding suspended, using software")
	}
	expected := time.Duration(info.DurationMs) * time.Millisecond
	out := filepath.Join(scratch, outputName)

	used, err := encoder.Execute(ctx, decision, s.hw, func(ctx context.Context, p encoder.Plan) error {
		span.SetAttributes(telemetry.EncoderAttributes(string(p.Backend), p.Encoder, p.IsHardware)...)
		_ = os.Remove(out)
		args := BurnArgs(p, job.mediaPath, chapters, graph, out)
		limiter := rate.NewLimiter(s.cfg.ProgressRate, 1)
		return s.transcoder.Run(ctx, args, expected, func(pct float64) {
			if !limiter.Allow() {
				return
			}
			if _, err := s.store.UpdateRecording(ctx, job.target.ID, recordings.RecordingPatch{
				CombineProgress: recordings.Ptr(ffmpeg.Clamp01(pct)),
			}); err != nil {
				logger.Debug().Err(err).Msg("failed to persist burn progress")
			}
		})
	})
	if err != nil {
		return recordings.Upstream("burn", err)
	}

	mediaID := s.cfg.Layout.MediaID(job.target.SessionID, job.target.ID)
	final, err := s.cfg.Layout.MediaPath(mediaID)
	if err != nil {
		return recordings.Internal("burn", err)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return recordings.Internal("burn", err)
	}
	if err := os.Rename(out, final); err != nil {
		return recordings.Internal("burn", fmt.Errorf("place rendered file: %w", err))
	}

	patch := recordings.RecordingPatch{
		Status:          recordings.Ptr(recordings.StatusReady),
		MediaID:         recordings.Ptr(mediaID),
		CombineProgress: recordings.Ptr(1.0),
		OverlayBurned:   recordings.Ptr(true),
	}
	if mi, err := s.prober.Probe(ctx, final); err == nil {
		patch.SizeBytes = recordings.Ptr(mi.SizeBytes)
		if mi.DurationMs > 0 {
			patch.DurationMs = recordings.Ptr(mi.DurationMs)
		}
		if mi.FPS > 0 {
			patch.FPS = recordings.Ptr(mi.FPS)
		}
	} else {
		logger.Warn().Err(err).Msg("probe of rendered file failed")
		if st, statErr := os.Stat(final); statErr == nil {
			patch.SizeBytes = recordings.Ptr(st.Size())
		}
	}
	if _, err := s.store.UpdateRecording(ctx, job.target.ID, patch); err != nil {
		_ = os.Remove(final)
		return err
	}

	if err := s.projector.Refresh(ctx, job.target.SessionID); err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "projection.refresh_failed").Msg("projection refresh failed")
	}
	logger.Info().
		Str(xglog.FieldEvent, "burn.ready").
		Str(xglog.FieldBackend, string(used.Backend)).
		Str(xglog.FieldEncoder, used.Encoder).
		Str(xglog.FieldPath, mediaID).
		Dur("elapsed", time.Since(started)).
		Msg("overlay burned")
	return nil
}

func (s *Service) failBurn(ctx context.Context, recordingID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.UpdateRecording(ctx, recordingID, recordings.RecordingPatch{
		Status: recordings.Ptr(recordings.StatusFailed),
		Error:  recordings.Ptr(cause.Error()),
	}); err != nil {
		s.log(ctx).Error().Err(err).Msg("failed to mark burn failed")
	}
	s.log(ctx).Error().Err(cause).Str(xglog.FieldEvent, "burn.failed").Msg("burn failed")
}
