// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/metrics"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/telemetry"
)

// AcceptResult reports the state after a source upload.
type AcceptResult struct {
	RecordingID     string            `json:"recordingId"`
	SourceID        string            `json:"sourceId"`
	UploadedBytes   int64             `json:"uploadedBytes"`
	RecordingStatus recordings.Status `json:"recordingStatus"`
	Combined        bool              `json:"combined"`
}

// AcceptUpload streams body into the source's staging file. When it was the
// last missing source, the recording is combined before returning.
func (s *Service) AcceptUpload(ctx context.Context, sourceID, token, userID string, body io.Reader) (*AcceptResult, error) {
	const op = "accept upload"
	if token == "" {
		return nil, recordings.Unauthenticated(op, "upload token required")
	}
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(src.UploadToken), []byte(token)) != 1 {
		return nil, recordings.Forbidden(op, "upload token does not match source")
	}
	rec, err := s.owned(ctx, op, src.RecordingID, userID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case recordings.StatusReady, recordings.StatusCombining:
		return nil, recordings.Validation(op, "recording is %s", rec.Status)
	}
	if src.Status == recordings.SourceUploaded {
		return nil, recordings.Validation(op, "source %d is already uploaded", src.Ordinal)
	}
	if _, busy := s.active.LoadOrStore(src.ID, struct{}{}); busy {
		return nil, recordings.Validation(op, "source %d is already being uploaded", src.Ordinal)
	}
	defer s.active.Delete(src.ID)

	ctx = xglog.ContextWithRecordingID(ctx, rec.ID)
	ctx, span := telemetry.Tracer().Start(ctx, "upload.accept")
	span.SetAttributes(telemetry.RecordingAttributes(rec.SessionID, rec.ID)...)
	logger := s.log(ctx).With().Str(xglog.FieldSourceID, src.ID).Int("ordinal", src.Ordinal).Logger()

	if _, err := s.store.UpdateRecording(ctx, rec.ID, recordings.RecordingPatch{
		Status: recordings.Ptr(recordings.StatusUploading),
		Error:  recordings.Ptr(""),
	}); err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	if _, err := s.store.UpdateSource(ctx, src.ID, recordings.SourcePatch{
		Status:        recordings.Ptr(recordings.SourceUploading),
		UploadedBytes: recordings.Ptr[int64](0),
	}); err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}

	written, err := s.receive(ctx, src, body)
	if err != nil {
		metrics.RecordUpload("failure")
		logger.Warn().Err(err).Int64(xglog.FieldBytes, written).Str(xglog.FieldEvent, "upload.failed").Msg("source upload failed")
		s.markUploadFailed(ctx, rec.ID, src.ID, written)
		telemetry.EndSpan(span, err)
		return nil, recordings.Internal(op, fmt.Errorf("upload failed: %w", err))
	}

	if _, err := s.store.UpdateSource(ctx, src.ID, recordings.SourcePatch{
		Status:        recordings.Ptr(recordings.SourceUploaded),
		UploadedBytes: recordings.Ptr(written),
	}); err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	metrics.RecordUpload("success")
	metrics.UploadBytes.Add(float64(written))
	logger.Info().Int64(xglog.FieldBytes, written).Str(xglog.FieldEvent, "upload.source_uploaded").Msg("source uploaded")
	span.End()

	res := &AcceptResult{RecordingID: rec.ID, SourceID: src.ID, UploadedBytes: written}
	sources, err := s.store.ListSources(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if recordings.AllUploaded(sources) {
		if err := s.Combine(ctx, rec.ID); err != nil {
			// The recording row carries the failure; the upload itself succeeded.
			logger.Warn().Err(err).Msg("combine after final upload failed")
		}
		res.Combined = true
	}

	latest, err := s.store.GetRecording(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	res.RecordingStatus = latest.Status
	return res, nil
}

// receive copies body to the staging file, persisting uploadedBytes every
// FlushEvery bytes. The file is truncated first so a retry starts clean.
func (s *Service) receive(ctx context.Context, src recordings.Source, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(src.StoragePath), 0o750); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	// #nosec G304 -- staging path is built from the layout, never from the client
	f, err := os.OpenFile(src.StoragePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open staging file: %w", err)
	}

	w := &flushWriter{
		w:     f,
		every: s.cfg.FlushEvery,
		flush: func(n int64) error {
			_, err := s.store.UpdateSource(ctx, src.ID, recordings.SourcePatch{UploadedBytes: recordings.Ptr(n)})
			return err
		},
	}
	buf := make([]byte, copyBufferSize)
	// Hide io.WriterTo so every chunk passes through buf and the file write
	// completes before the next read.
	_, copyErr := io.CopyBuffer(w, struct{ io.Reader }{&ctxReader{ctx: ctx, r: body}}, buf)
	syncErr := f.Sync()
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		return w.n, copyErr
	case syncErr != nil:
		return w.n, fmt.Errorf("sync staging file: %w", syncErr)
	case closeErr != nil:
		return w.n, fmt.Errorf("close staging file: %w", closeErr)
	}
	if src.SizeBytes != nil && *src.SizeBytes != w.n {
		return w.n, fmt.Errorf("size mismatch: expected %d bytes, received %d", *src.SizeBytes, w.n)
	}
	return w.n, nil
}

func (s *Service) markUploadFailed(ctx context.Context, recordingID, sourceID string, written int64) {
	// Record the failure even if the request context is gone.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.UpdateSource(ctx, sourceID, recordings.SourcePatch{
		Status:        recordings.Ptr(recordings.SourceFailed),
		UploadedBytes: recordings.Ptr(written),
	}); err != nil {
		s.log(ctx).Error().Err(err).Str(xglog.FieldSourceID, sourceID).Msg("failed to mark source failed")
	}
	if _, err := s.store.UpdateRecording(ctx, recordingID, recordings.RecordingPatch{
		Status: recordings.Ptr(recordings.StatusFailed),
		Error:  recordings.Ptr("upload failed"),
	}); err != nil && !errors.Is(err, recordings.ErrValidation) {
		s.log(ctx).Error().Err(err).Msg("failed to mark recording failed")
	}
}

// flushWriter counts bytes and calls flush whenever another `every` bytes
// have been written since the last flush.
type flushWriter struct {
	w       io.Writer
	every   int64
	flush   func(n int64) error
	n       int64
	flushed int64
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.n += int64(n)
	if err != nil {
		return n, err
	}
	if fw.n-fw.flushed >= fw.every {
		if ferr := fw.flush(fw.n); ferr != nil {
			return n, fmt.Errorf("persist progress: %w", ferr)
		}
		fw.flushed = fw.n
	}
	return n, nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
