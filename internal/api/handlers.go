// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/render"
	"github.com/jonnyreeves/lap-time-overlay/internal/upload"
)

type startUploadBody struct {
	Description         string                 `json:"description"`
	LapOneOffsetSeconds float64                `json:"lapOneOffsetSeconds"`
	Sources             []upload.PlannedSource `json:"sources"`
}

type statusResponse struct {
	Recording recordings.Recording `json:"recording"`
	Sources   []recordings.Source  `json:"sources"`
}

type previewBody struct {
	LapID         string            `json:"lapId"`
	OffsetSeconds float64           `json:"offsetSeconds"`
	Style         overlay.Overrides `json:"style"`
}

type burnBody struct {
	Style          overlay.Overrides `json:"style"`
	PreferHardware *bool             `json:"preferHardware,omitempty"`
	Chapters       bool              `json:"chapters"`
}

type breakerView struct {
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	DisabledUntil       *time.Time `json:"disabledUntil,omitempty"`
	Active              bool       `json:"active"`
}

// decodeJSON reads a bounded JSON body and rejects unknown fields. An empty
// body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return recordings.Validation("decode body", "invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	var body startUploadBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	plan, err := s.uploads.StartUploadSession(r.Context(), upload.StartRequest{
		SessionID:           chi.URLParam(r, "sessionID"),
		UserID:              userID(r),
		Description:         body.Description,
		LapOneOffsetSeconds: body.LapOneOffsetSeconds,
		Sources:             body.Sources,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, plan)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sourceID := q.Get("sourceId")
	if sourceID == "" {
		writeError(w, r, recordings.Validation("upload", "sourceId is required"))
		return
	}
	token := q.Get("token")
	if token == "" {
		token = r.Header.Get("X-Upload-Token")
	}
	res, err := s.uploads.AcceptUpload(r.Context(), sourceID, token, userID(r), r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, sources, err := s.uploads.Status(r.Context(), chi.URLParam(r, "recordingID"), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sources == nil {
		sources = []recordings.Source{}
	}
	writeJSON(w, r, http.StatusOK, statusResponse{Recording: rec, Sources: sources})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	plan, err := s.uploads.Resume(r.Context(), chi.URLParam(r, "recordingID"), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, plan)
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.SetPrimary(r.Context(), chi.URLParam(r, "recordingID"), userID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordingID")
	deleted, err := s.uploads.DeleteRecording(r.Context(), id, userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, recordings.NotFound("delete recording", "recording %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var body previewBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.renderer.Preview(r.Context(), render.PreviewRequest{
		RecordingID:   chi.URLParam(r, "recordingID"),
		LapID:         body.LapID,
		UserID:        userID(r),
		OffsetSeconds: body.OffsetSeconds,
		Style:         body.Style,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var body burnBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.renderer.StartBurn(r.Context(), render.BurnRequest{
		RecordingID:    chi.URLParam(r, "recordingID"),
		UserID:         userID(r),
		Style:          body.Style,
		PreferHardware: body.PreferHardware,
		Chapters:       body.Chapters,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/recordings/%s", rec.ID))
	writeJSON(w, r, http.StatusAccepted, rec)
}

func (s *Server) handleHardware(w http.ResponseWriter, r *http.Request) {
	snap := s.hw.Breaker()
	view := breakerView{
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Active:              snap.ActiveAt(s.now()),
	}
	if !snap.DisabledUntil.IsZero() {
		until := snap.DisabledUntil
		view.DisabledUntil = &until
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"probe":   s.hw.Get(r.Context()),
		"breaker": view,
	})
}

func (s *Server) handleHardwareReset(w http.ResponseWriter, r *http.Request) {
	if userID(r) == "" {
		writeError(w, r, recordings.Unauthenticated("hardware reset", "user required"))
		return
	}
	s.hw.Reset()
	xglog.FromContext(r.Context()).Info().Str(xglog.FieldEvent, "hardware.reset_requested").Msg("hardware status reset via API")
	w.WriteHeader(http.StatusNoContent)
}
