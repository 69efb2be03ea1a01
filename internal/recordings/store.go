// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recordings

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
)

// Store persists sessions, laps, recordings and sources.
// Writes are serialized per row; reads observe prior writes.
type Store interface {
	GetSession(ctx context.Context, id string) (Session, error)
	PutSession(ctx context.Context, s Session) error

	ListLaps(ctx context.Context, sessionID string) ([]overlay.LapRecord, error)
	ListLapEvents(ctx context.Context, sessionID string) ([]overlay.LapEvent, error)
	PutLaps(ctx context.Context, sessionID string, laps []overlay.LapRecord, events []overlay.LapEvent) error

	// CreateRecording inserts a recording with its sources. If rec.IsPrimary is
	// set but the session already has a primary, the new row is stored as non-primary.
	CreateRecording(ctx context.Context, rec Recording, sources []Source) (Recording, error)
	GetRecording(ctx context.Context, id string) (Recording, error)
	ListRecordingsBySession(ctx context.Context, sessionID string) ([]Recording, error)
	UpdateRecording(ctx context.Context, id string, p RecordingPatch) (Recording, error)
	// SetPrimary marks id primary and clears the flag on every sibling in one transaction.
	SetPrimary(ctx context.Context, sessionID, id string) error
	// DeleteRecording removes the row and its sources. Returns false if absent.
	DeleteRecording(ctx context.Context, id string) (bool, error)

	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context, recordingID string) ([]Source, error)
	UpdateSource(ctx context.Context, id string, p SourcePatch) (Source, error)
	DeleteSources(ctx context.Context, recordingID string) error

	Close() error
}

// NewStore creates a store for the backend ("sqlite" or "memory").
func NewStore(backend, dir string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "sqlite":
		if dir == "" {
			return NewMemoryStore(), nil
		}
		return NewSqliteStore(filepath.Join(dir, "recordings.sqlite"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown recordings store backend: %s (supported: sqlite, memory)", backend)
	}
}
