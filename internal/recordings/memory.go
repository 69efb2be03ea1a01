// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recordings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
)

// MemoryStore is an in-process Store. Values are copied in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	laps       map[string][]overlay.LapRecord
	events     map[string][]overlay.LapEvent
	recordings map[string]Recording
	sources    map[string]Source
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]Session),
		laps:       make(map[string][]overlay.LapRecord),
		events:     make(map[string][]overlay.LapEvent),
		recordings: make(map[string]Recording),
		sources:    make(map[string]Source),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, NotFound("get session", "session %s not found", id)
	}
	return s, nil
}

func (m *MemoryStore) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) ListLaps(_ context.Context, sessionID string) ([]overlay.LapRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.LapRecord(nil), m.laps[sessionID]...), nil
}

func (m *MemoryStore) ListLapEvents(_ context.Context, sessionID string) ([]overlay.LapEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]overlay.LapEvent(nil), m.events[sessionID]...), nil
}

func (m *MemoryStore) PutLaps(_ context.Context, sessionID string, laps []overlay.LapRecord, events []overlay.LapEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]overlay.LapRecord(nil), laps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	m.laps[sessionID] = sorted
	m.events[sessionID] = append([]overlay.LapEvent(nil), events...)
	return nil
}

func (m *MemoryStore) CreateRecording(_ context.Context, rec Recording, sources []Source) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recordings[rec.ID]; exists {
		return Recording{}, Validation("create recording", "recording %s already exists", rec.ID)
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.CombineProgress = ClampProgress(rec.CombineProgress)
	if rec.IsPrimary && m.hasPrimaryLocked(rec.SessionID) {
		rec.IsPrimary = false
	}
	m.recordings[rec.ID] = rec
	for _, s := range sources {
		s.RecordingID = rec.ID
		s.CreatedAt, s.UpdatedAt = now, now
		m.sources[s.ID] = s
	}
	return rec, nil
}

func (m *MemoryStore) hasPrimaryLocked(sessionID string) bool {
	for _, r := range m.recordings {
		if r.SessionID == sessionID && r.IsPrimary {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetRecording(_ context.Context, id string) (Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recordings[id]
	if !ok {
		return Recording{}, NotFound("get recording", "recording %s not found", id)
	}
	return r, nil
}

func (m *MemoryStore) ListRecordingsBySession(_ context.Context, sessionID string) ([]Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Recording
	for _, r := range m.recordings {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateRecording(_ context.Context, id string, p RecordingPatch) (Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[id]
	if !ok {
		return Recording{}, NotFound("update recording", "recording %s not found", id)
	}
	if err := applyRecordingPatch(&r, p); err != nil {
		return Recording{}, err
	}
	r.UpdatedAt = m.now()
	m.recordings[id] = r
	return r, nil
}

func (m *MemoryStore) SetPrimary(_ context.Context, sessionID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.recordings[id]
	if !ok || target.SessionID != sessionID {
		return NotFound("set primary", "recording %s not found in session %s", id, sessionID)
	}
	now := m.now()
	for rid, r := range m.recordings {
		if r.SessionID != sessionID {
			continue
		}
		want := rid == id
		if r.IsPrimary != want {
			r.IsPrimary = want
			r.UpdatedAt = now
			m.recordings[rid] = r
		}
	}
	return nil
}

func (m *MemoryStore) DeleteRecording(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recordings[id]; !ok {
		return false, nil
	}
	delete(m.recordings, id)
	for sid, s := range m.sources {
		if s.RecordingID == id {
			delete(m.sources, sid)
		}
	}
	return true, nil
}

func (m *MemoryStore) GetSource(_ context.Context, id string) (Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return Source{}, NotFound("get source", "source %s not found", id)
	}
	return s, nil
}

func (m *MemoryStore) ListSources(_ context.Context, recordingID string) ([]Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Source
	for _, s := range m.sources {
		if s.RecordingID == recordingID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryStore) UpdateSource(_ context.Context, id string, p SourcePatch) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return Source{}, NotFound("update source", "source %s not found", id)
	}
	applySourcePatch(&s, p)
	s.UpdatedAt = m.now()
	m.sources[id] = s
	return s, nil
}

func (m *MemoryStore) DeleteSources(_ context.Context, recordingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, s := range m.sources {
		if s.RecordingID == recordingID {
			delete(m.sources, sid)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
