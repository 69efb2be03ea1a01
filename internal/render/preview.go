// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/telemetry"
)

// PreviewRequest asks for one overlay frame inside a lap.
type PreviewRequest struct {
	RecordingID   string
	LapID         string
	UserID        string
	OffsetSeconds float64
	Style         overlay.Overrides
}

// PreviewResult points at the rendered frame.
type PreviewResult struct {
	Path              string  `json:"path"`
	UsedOffsetSeconds float64 `json:"usedOffsetSeconds"`
	TimestampSeconds  float64 `json:"timestampSeconds"`
	Cached            bool    `json:"cached"`
}

// ClampOffset keeps offset within [0, lapDuration - margin].
func ClampOffset(offset, lapDuration float64) float64 {
	upper := math.Max(0, lapDuration-lapEndMargin)
	if math.IsNaN(offset) || offset < 0 {
		return 0
	}
	return math.Min(offset, upper)
}

// Preview renders (or reuses) a PNG frame of the recording with the overlay.
// Identical inputs map to the same file name.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (res *PreviewResult, err error) {
	const op = "preview"
	rec, err := s.owned(ctx, op, req.RecordingID, req.UserID)
	if err != nil {
		return nil, err
	}
	if rec.Status != recordings.StatusReady || rec.MediaID == "" {
		return nil, recordings.Validation(op, "recording is %s", rec.Status)
	}
	laps, err := s.laps(ctx, rec.SessionID)
	if err != nil {
		return nil, err
	}
	lap, ok := overlay.FindLap(laps, req.LapID)
	if !ok {
		return nil, recordings.NotFound(op, "lap %s not found", req.LapID)
	}
	if lap.DurationSeconds <= 0 {
		return nil, recordings.Validation(op, "lap %d has no valid duration", lap.Number)
	}
	style, err := overlay.Merge(overlay.DefaultStyle(), req.Style)
	if err != nil {
		return nil, recordings.Validation(op, "%v", err)
	}

	used := ClampOffset(req.OffsetSeconds, lap.DurationSeconds)
	ts := rec.LapOneOffsetSeconds + lap.StartSeconds + used
	mediaPath, err := s.cfg.Layout.MediaPath(rec.MediaID)
	if err != nil {
		return nil, recordings.Internal(op, err)
	}
	// Without a stored duration the media is probed up front; the result is
	// reused for the graph dimensions.
	var dim *overlay.Dimensions
	durationMs := rec.DurationMs
	if durationMs == nil {
		d, info, err := s.dimensions(ctx, mediaPath)
		if err != nil {
			return nil, err
		}
		dim, durationMs = &d, &info.DurationMs
	}
	if durationMs != nil && *durationMs > 0 && ts >= float64(*durationMs)/1000 {
		return nil, recordings.Validation(op, "timestamp %.3fs is past the end of the media", ts)
	}

	name := fmt.Sprintf("%s-%s-%d-%d.png",
		style.Key(), paths.SanitizeFileName(lap.ID), int64(math.Round(used*1000)), rec.UpdatedAt.Unix())
	out := filepath.Join(s.cfg.Layout.PreviewDir(rec.ID), name)
	res = &PreviewResult{Path: out, UsedOffsetSeconds: used, TimestampSeconds: ts}
	if _, err := os.Stat(out); err == nil {
		res.Cached = true
		return res, nil
	}

	ctx = xglog.ContextWithRecordingID(ctx, rec.ID)
	ctx, span := telemetry.Tracer().Start(ctx, "render.preview")
	span.SetAttributes(telemetry.RecordingAttributes(rec.SessionID, rec.ID)...)
	started := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.ObserveRender("preview", result, time.Since(started).Seconds())
		telemetry.EndSpan(span, err)
	}()

	if dim == nil {
		d, _, err := s.dimensions(ctx, mediaPath)
		if err != nil {
			return nil, err
		}
		dim = &d
	}
	graph := overlay.Build(*dim, laps, rec.LapOneOffsetSeconds, style)

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return nil, recordings.Internal(op, err)
	}
	tmp := out + ".tmp.png"
	if err := s.transcoder.Run(ctx, ffmpeg.FrameArgs(mediaPath, ts, graph.FilterGraph, graph.OutputLabel, tmp), 0, nil); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.log(ctx).Debug().Err(rmErr).Msg("remove preview temp file")
		}
		return nil, recordings.Upstream(op, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return nil, recordings.Internal(op, err)
	}
	s.log(ctx).Debug().
		Str(xglog.FieldEvent, "render.preview").
		Str(xglog.FieldLapID, lap.ID).
		Float64("ts", ts).
		Str(xglog.FieldPath, out).
		Msg("preview rendered")
	return res, nil
}
