// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package recordings holds the recording and source model and its stores.
package recordings

import (
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
)

// Status is the lifecycle state of a Recording.
type Status string

const (
	StatusPendingUpload Status = "pending_upload"
	StatusUploading     Status = "uploading"
	StatusCombining     Status = "combining"
	StatusReady         Status = "ready"
	StatusFailed        Status = "failed"
)

// transitions lists allowed moves. failed -> uploading/combining is a resume.
var transitions = map[Status][]Status{
	StatusPendingUpload: {StatusUploading, StatusFailed},
	StatusUploading:     {StatusUploading, StatusCombining, StatusFailed},
	StatusCombining:     {StatusReady, StatusFailed},
	StatusFailed:        {StatusUploading, StatusCombining, StatusFailed},
	StatusReady:         {},
}

// CanTransition reports whether a recording may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourceStatus is the upload state of one source file.
type SourceStatus string

const (
	SourcePending   SourceStatus = "pending"
	SourceUploading SourceStatus = "uploading"
	SourceUploaded  SourceStatus = "uploaded"
	SourceFailed    SourceStatus = "failed"
)

// Session is the owning track session. Only ownership is needed here.
type Session struct {
	ID     string
	UserID string
	Name   string
}

// Recording is one logical video attached to a session.
type Recording struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"sessionId"`
	UserID              string    `json:"-"`
	Description         string    `json:"description"`
	MediaID             string    `json:"mediaId,omitempty"`
	Status              Status    `json:"status"`
	Error               string    `json:"error,omitempty"`
	SizeBytes           *int64    `json:"sizeBytes,omitempty"`
	DurationMs          *int64    `json:"durationMs,omitempty"`
	FPS                 *float64  `json:"fps,omitempty"`
	CombineProgress     float64   `json:"combineProgress"`
	IsPrimary           bool      `json:"isPrimary"`
	OverlayBurned       bool      `json:"overlayBurned"`
	LapOneOffsetSeconds float64   `json:"lapOneOffsetSeconds"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Source is one uploaded file contributing to a Recording.
type Source struct {
	ID            string       `json:"id"`
	RecordingID   string       `json:"recordingId"`
	FileName      string       `json:"fileName"`
	Ordinal       int          `json:"ordinal"`
	SizeBytes     *int64       `json:"sizeBytes,omitempty"`
	UploadedBytes int64        `json:"uploadedBytes"`
	Status        SourceStatus `json:"status"`
	UploadToken   string       `json:"-"`
	StoragePath   string       `json:"-"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// RecordingPatch is a field-level partial update. Nil fields are untouched.
type RecordingPatch struct {
	Status          *Status
	Error           *string
	MediaID         *string
	SizeBytes       *int64
	DurationMs      *int64
	FPS             *float64
	CombineProgress *float64
	OverlayBurned   *bool
}

// SourcePatch is a field-level partial update of a Source.
type SourcePatch struct {
	Status        *SourceStatus
	UploadedBytes *int64
	UploadToken   *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// ClampProgress keeps progress within [0,1].
func ClampProgress(p float64) float64 { return ffmpeg.Clamp01(p) }

// AllUploaded reports whether every source has been uploaded.
func AllUploaded(sources []Source) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s.Status != SourceUploaded {
			return false
		}
	}
	return true
}

func applyRecordingPatch(r *Recording, p RecordingPatch) error {
	if p.Status != nil && *p.Status != r.Status {
		if !CanTransition(r.Status, *p.Status) {
			return Validation("update recording", "illegal status transition %s -> %s", r.Status, *p.Status)
		}
		r.Status = *p.Status
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.MediaID != nil {
		r.MediaID = *p.MediaID
	}
	if p.SizeBytes != nil {
		r.SizeBytes = Ptr(*p.SizeBytes)
	}
	if p.DurationMs != nil {
		r.DurationMs = Ptr(*p.DurationMs)
	}
	if p.FPS != nil {
		r.FPS = Ptr(*p.FPS)
	}
	if p.CombineProgress != nil {
		r.CombineProgress = ClampProgress(*p.CombineProgress)
	}
	if p.OverlayBurned != nil {
		r.OverlayBurned = *p.OverlayBurned
	}
	return nil
}

func applySourcePatch(s *Source, p SourcePatch) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.UploadedBytes != nil {
		s.UploadedBytes = *p.UploadedBytes
	}
	if p.UploadToken != nil {
		s.UploadToken = *p.UploadToken
	}
}
