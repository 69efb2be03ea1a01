// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"errors"
	"os"

	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
)

// Status returns the recording and its remaining sources.
func (s *Service) Status(ctx context.Context, recordingID, userID string) (recordings.Recording, []recordings.Source, error) {
	rec, err := s.owned(ctx, "recording status", recordingID, userID)
	if err != nil {
		return recordings.Recording{}, nil, err
	}
	sources, err := s.store.ListSources(ctx, recordingID)
	if err != nil {
		return recordings.Recording{}, nil, err
	}
	return rec, sources, nil
}

// SetPrimary makes the recording the primary one of its session.
func (s *Service) SetPrimary(ctx context.Context, recordingID, userID string) error {
	rec, err := s.owned(ctx, "set primary", recordingID, userID)
	if err != nil {
		return err
	}
	if err := s.store.SetPrimary(ctx, rec.SessionID, rec.ID); err != nil {
		return err
	}
	if err := s.projector.Refresh(ctx, rec.SessionID); err != nil {
		s.log(ctx).Warn().Err(err).Str(xglog.FieldEvent, "projection.refresh_failed").Msg("projection refresh failed")
	}
	return nil
}

// DeleteRecording removes the recording, its media and any leftovers.
// It returns false when the recording does not exist.
func (s *Service) DeleteRecording(ctx context.Context, recordingID, userID string) (bool, error) {
	rec, err := s.owned(ctx, "delete recording", recordingID, userID)
	if errors.Is(err, recordings.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logger := s.log(ctx).With().Str(xglog.FieldRecordingID, rec.ID).Logger()

	// A running combine would write the media file after we delete it.
	s.combines.cancelAndWait(ctx, rec.ID)

	var targets []string
	if rec.MediaID != "" {
		if p, err := s.cfg.Layout.MediaPath(rec.MediaID); err == nil {
			targets = append(targets, p)
		} else {
			logger.Warn().Err(err).Str(xglog.FieldPath, rec.MediaID).Msg("refusing to delete media outside root")
		}
	}
	targets = append(targets,
		s.cfg.Layout.StagingDir(rec.SessionID, rec.ID),
		s.cfg.Layout.RenderDir(rec.ID),
		s.cfg.Layout.PreviewDir(rec.ID),
	)
	for _, p := range targets {
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str(xglog.FieldPath, p).Msg("failed to remove recording files")
		}
	}

	deleted, err := s.store.DeleteRecording(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if err := s.projector.Remove(ctx, rec.ID); err != nil {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "projection.remove_failed").Msg("projection removal failed")
	}
	logger.Info().Str(xglog.FieldEvent, "recording.deleted").Msg("recording deleted")
	return deleted, nil
}
