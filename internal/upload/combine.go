// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/telemetry"
	"golang.org/x/time/rate"
)

const manifestName = "concat.txt"

// Combine concatenates the recording's sources into its canonical media file.
// Concurrent calls for the same recording share one run and its outcome.
// The run is detached from ctx: a caller giving up does not abort it.
func (s *Service) Combine(ctx context.Context, recordingID string) error {
	rn, started := s.combines.ensure(recordingID, func(runCtx context.Context) error {
		runCtx = xglog.ContextWithRecordingID(runCtx, recordingID)
		if rid := xglog.RequestIDFromContext(ctx); rid != "" {
			runCtx = xglog.ContextWithRequestID(runCtx, rid)
		}
		return s.combine(runCtx, recordingID)
	})
	if !started {
		metrics.RecordCombineDedup()
		s.log(ctx).Debug().Str(xglog.FieldRecordingID, recordingID).Msg("joining in-flight combine")
	}
	select {
	case <-rn.done:
		return rn.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) combine(ctx context.Context, recordingID string) (err error) {
	const op = "combine"
	rec, err := s.store.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	if rec.Status == recordings.StatusReady {
		return nil
	}
	sources, err := s.store.ListSources(ctx, recordingID)
	if err != nil {
		return err
	}
	if !recordings.AllUploaded(sources) {
		return recordings.Validation(op, "not every source of %s is uploaded", recordingID)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "upload.combine")
	span.SetAttributes(telemetry.RecordingAttributes(rec.SessionID, rec.ID)...)
	logger := s.log(ctx)
	started := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.RecordCombine(result)
	}()

	if _, err := s.store.UpdateRecording(ctx, rec.ID, recordings.RecordingPatch{
		Status:          recordings.Ptr(recordings.StatusCombining),
		CombineProgress: recordings.Ptr(0.0),
		Error:           recordings.Ptr(""),
	}); err != nil {
		return err
	}
	logger.Info().
		Str(xglog.FieldEvent, "combine.started").
		Str(xglog.FieldOldState, string(rec.Status)).
		Str(xglog.FieldNewState, string(recordings.StatusCombining)).
		Int("sources", len(sources)).
		Msg("combining sources")

	stagingDir := s.cfg.Layout.StagingDir(rec.SessionID, rec.ID)
	mediaID := s.cfg.Layout.MediaID(rec.SessionID, rec.ID)
	finalPath, err := s.cfg.Layout.MediaPath(mediaID)
	if err != nil {
		return s.failCombine(ctx, rec.ID, sources, stagingDir, "", err)
	}
	partial := filepath.Join(filepath.Dir(finalPath), "."+filepath.Base(finalPath)+".partial.mp4")

	info, err := s.concat(ctx, rec.ID, sources, stagingDir, finalPath, partial)
	if err != nil {
		return s.failCombine(ctx, rec.ID, sources, stagingDir, partial, err)
	}

	patch := recordings.RecordingPatch{
		Status:          recordings.Ptr(recordings.StatusReady),
		MediaID:         recordings.Ptr(mediaID),
		CombineProgress: recordings.Ptr(1.0),
		SizeBytes:       recordings.Ptr(info.SizeBytes),
	}
	if info.DurationMs > 0 {
		patch.DurationMs = recordings.Ptr(info.DurationMs)
	}
	if info.FPS > 0 {
		patch.FPS = recordings.Ptr(info.FPS)
	}
	if _, err := s.store.UpdateRecording(ctx, rec.ID, patch); err != nil {
		if rmErr := os.Remove(finalPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn().Err(rmErr).Str(xglog.FieldPath, finalPath).Msg("failed to remove unrecorded media file")
		}
		return s.failCombine(ctx, rec.ID, sources, stagingDir, partial, err)
	}

	s.removeStaging(ctx, stagingDir)
	if err := s.store.DeleteSources(ctx, rec.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to delete source rows after combine")
	}
	if err := s.projector.Refresh(ctx, rec.SessionID); err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "projection.refresh_failed").Msg("projection refresh failed")
	}
	logger.Info().
		Str(xglog.FieldEvent, "combine.ready").
		Str(xglog.FieldPath, mediaID).
		Int64(xglog.FieldBytes, info.SizeBytes).
		Int64(xglog.FieldDuration, info.DurationMs).
		Dur("elapsed", time.Since(started)).
		Msg("recording ready")
	return nil
}

// concat writes the manifest, runs ffmpeg into partial and moves the result
// to finalPath.
func (s *Service) concat(ctx context.Context, recordingID string, sources []recordings.Source, stagingDir, finalPath, partial string) (ffmpeg.MediaInfo, error) {
	logger := s.log(ctx)
	inputs := make([]string, 0, len(sources))
	var expected time.Duration
	for _, src := range sources {
		inputs = append(inputs, src.StoragePath)
		if s.prober == nil {
			continue
		}
		if mi, err := s.prober.Probe(ctx, src.StoragePath); err == nil {
			expected += time.Duration(mi.DurationMs) * time.Millisecond
		} else {
			logger.Debug().Err(err).Str(xglog.FieldSourceID, src.ID).Msg("source probe failed, progress unavailable")
		}
	}

	manifest := filepath.Join(stagingDir, manifestName)
	if err := renameio.WriteFile(manifest, ffmpeg.ConcatManifest(inputs), 0o640); err != nil {
		return ffmpeg.MediaInfo{}, fmt.Errorf("write concat manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return ffmpeg.MediaInfo{}, fmt.Errorf("create media dir: %w", err)
	}

	limiter := rate.NewLimiter(s.cfg.ProgressRate, 1)
	onProgress := func(p float64) {
		if !limiter.Allow() {
			return
		}
		if _, err := s.store.UpdateRecording(ctx, recordingID, recordings.RecordingPatch{
			CombineProgress: recordings.Ptr(ffmpeg.Clamp01(p)),
		}); err != nil {
			logger.Debug().Err(err).Msg("failed to persist combine progress")
		}
	}
	if err := s.transcoder.Run(ctx, ffmpeg.ConcatArgs(manifest, partial), expected, onProgress); err != nil {
		return ffmpeg.MediaInfo{}, recordings.Upstream("combine", err)
	}
	if err := os.Rename(partial, finalPath); err != nil {
		return ffmpeg.MediaInfo{}, fmt.Errorf("place media file: %w", err)
	}

	info := ffmpeg.MediaInfo{}
	if s.prober != nil {
		probed, err := s.prober.Probe(ctx, finalPath)
		if err != nil {
			logger.Warn().Err(err).Msg("probe of combined file failed")
		} else {
			info = probed
		}
	}
	if info.SizeBytes == 0 {
		if st, err := os.Stat(finalPath); err == nil {
			info.SizeBytes = st.Size()
		}
	}
	return info, nil
}

// failCombine marks the recording failed and removes every partial artifact.
// Staging is gone afterwards, so sources go back to pending for a resume.
func (s *Service) failCombine(ctx context.Context, recordingID string, sources []recordings.Source, stagingDir, partial string, cause error) error {
	cleanupCtx := context.WithoutCancel(ctx)
	logger := s.log(ctx)

	if partial != "" {
		if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str(xglog.FieldPath, partial).Msg("failed to remove partial output")
		}
	}
	s.removeStaging(cleanupCtx, stagingDir)
	for _, src := range sources {
		if _, err := s.store.UpdateSource(cleanupCtx, src.ID, recordings.SourcePatch{
			Status:        recordings.Ptr(recordings.SourcePending),
			UploadedBytes: recordings.Ptr[int64](0),
		}); err != nil {
			logger.Warn().Err(err).Str(xglog.FieldSourceID, src.ID).Msg("failed to reset source")
		}
	}

	msg := "combine failed: " + cause.Error()
	if _, err := s.store.UpdateRecording(cleanupCtx, recordingID, recordings.RecordingPatch{
		Status: recordings.Ptr(recordings.StatusFailed),
		Error:  recordings.Ptr(msg),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark recording failed")
	}
	logger.Error().Err(cause).Str(xglog.FieldEvent, "combine.failed").Msg("combine failed")
	return cause
}

func (s *Service) removeStaging(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.log(ctx).Warn().Err(err).Str(xglog.FieldPath, dir).Msg("failed to remove staging dir")
	}
}
