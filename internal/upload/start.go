// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"math"
	"net/url"
	"strings"

	"github.com/google/uuid"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
)

// PlannedSource is one file the client intends to upload.
type PlannedSource struct {
	FileName  string `json:"fileName"`
	SizeBytes *int64 `json:"sizeBytes,omitempty"`
}

// StartRequest asks for a new recording and its upload URLs.
type StartRequest struct {
	SessionID           string
	UserID              string
	Description         string
	LapOneOffsetSeconds float64
	Sources             []PlannedSource
}

// SourceUpload tells the client where to send one source.
type SourceUpload struct {
	SourceID  string `json:"sourceId"`
	Ordinal   int    `json:"ordinal"`
	FileName  string `json:"fileName"`
	Token     string `json:"token"`
	UploadURL string `json:"uploadUrl"`
}

// Plan is returned by StartUploadSession and Resume. Uploads lists only the
// sources that still need bytes.
type Plan struct {
	Recording recordings.Recording `json:"recording"`
	Uploads   []SourceUpload       `json:"uploads"`
}

// StartUploadSession creates a recording in pending_upload with one source
// per planned file, each with a fresh upload token.
func (s *Service) StartUploadSession(ctx context.Context, req StartRequest) (*Plan, error) {
	const op = "start upload"
	if req.UserID == "" {
		return nil, recordings.Unauthenticated(op, "user required")
	}
	if len(req.Sources) == 0 {
		return nil, recordings.Validation(op, "at least one source is required")
	}
	if req.LapOneOffsetSeconds < 0 || math.IsNaN(req.LapOneOffsetSeconds) || math.IsInf(req.LapOneOffsetSeconds, 0) {
		return nil, recordings.Validation(op, "lapOneOffsetSeconds must be a non-negative number")
	}
	for i, src := range req.Sources {
		if strings.TrimSpace(src.FileName) == "" {
			return nil, recordings.Validation(op, "source %d has no file name", i+1)
		}
		if src.SizeBytes != nil && *src.SizeBytes < 0 {
			return nil, recordings.Validation(op, "source %d has a negative size", i+1)
		}
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != req.UserID {
		return nil, recordings.Forbidden(op, "session %s is not owned by caller", req.SessionID)
	}

	existing, err := s.store.ListRecordingsBySession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	primary := true
	for _, r := range existing {
		if r.IsPrimary {
			primary = false
			break
		}
	}

	rec := recordings.Recording{
		ID:                  uuid.NewString(),
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		Description:         strings.TrimSpace(req.Description),
		Status:              recordings.StatusPendingUpload,
		IsPrimary:           primary,
		LapOneOffsetSeconds: req.LapOneOffsetSeconds,
	}
	sources := make([]recordings.Source, 0, len(req.Sources))
	for i, planned := range req.Sources {
		ordinal := i + 1
		name := strings.TrimSpace(planned.FileName)
		sources = append(sources, recordings.Source{
			ID:          uuid.NewString(),
			RecordingID: rec.ID,
			FileName:    name,
			Ordinal:     ordinal,
			SizeBytes:   planned.SizeBytes,
			Status:      recordings.SourcePending,
			UploadToken: newToken(),
			StoragePath: s.cfg.Layout.StagingPath(rec.SessionID, rec.ID, ordinal, name),
		})
	}

	created, err := s.store.CreateRecording(ctx, rec, sources)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info().
		Str(xglog.FieldEvent, "upload.session_started").
		Str(xglog.FieldSessionID, created.SessionID).
		Str(xglog.FieldRecordingID, created.ID).
		Int("sources", len(sources)).
		Bool("primary", created.IsPrimary).
		Msg("upload session started")

	plan := &Plan{Recording: created}
	for _, src := range sources {
		plan.Uploads = append(plan.Uploads, s.sourceUpload(src))
	}
	return plan, nil
}

// Resume re-issues upload URLs for every source that is not yet uploaded.
// Uploaded sources keep their bytes. If nothing is left to upload the
// combine is retried instead.
func (s *Service) Resume(ctx context.Context, recordingID, userID string) (*Plan, error) {
	const op = "resume upload"
	rec, err := s.owned(ctx, op, recordingID, userID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case recordings.StatusReady, recordings.StatusCombining:
		return nil, recordings.Validation(op, "recording is %s", rec.Status)
	}
	sources, err := s.store.ListSources(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, recordings.Validation(op, "recording has no sources left to upload")
	}

	if recordings.AllUploaded(sources) {
		if err := s.Combine(ctx, recordingID); err != nil {
			s.log(ctx).Warn().Err(err).Str(xglog.FieldRecordingID, recordingID).Msg("combine retry failed")
		}
		rec, err = s.store.GetRecording(ctx, recordingID)
		if err != nil {
			return nil, err
		}
		return &Plan{Recording: rec}, nil
	}

	plan := &Plan{Recording: rec}
	for _, src := range sources {
		if src.Status == recordings.SourceUploaded {
			continue
		}
		if _, busy := s.active.Load(src.ID); busy {
			return nil, recordings.Validation(op, "source %d is being uploaded", src.Ordinal)
		}
		updated, err := s.store.UpdateSource(ctx, src.ID, recordings.SourcePatch{
			Status:        recordings.Ptr(recordings.SourcePending),
			UploadedBytes: recordings.Ptr[int64](0),
			UploadToken:   recordings.Ptr(newToken()),
		})
		if err != nil {
			return nil, err
		}
		plan.Uploads = append(plan.Uploads, s.sourceUpload(updated))
	}
	s.log(ctx).Info().
		Str(xglog.FieldEvent, "upload.resumed").
		Str(xglog.FieldRecordingID, recordingID).
		Int("pending", len(plan.Uploads)).
		Msg("upload resumed")
	return plan, nil
}

func (s *Service) sourceUpload(src recordings.Source) SourceUpload {
	q := url.Values{}
	q.Set("sourceId", src.ID)
	q.Set("token", src.UploadToken)
	return SourceUpload{
		SourceID:  src.ID,
		Ordinal:   src.Ordinal,
		FileName:  src.FileName,
		Token:     src.UploadToken,
		UploadURL: s.cfg.UploadPath + "?" + q.Encode(),
	}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}
