// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB  *sql.DB
	now func() time.Time
}

// NewSqliteStore opens (and migrates) the recordings database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db, now: func() time.Time { return time.Now().UTC() }}
	if err := sqlite.Migrate(context.Background(), db, schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recordings store: migration failed: %w", err)
	}
	return s, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS laps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		duration_seconds REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_laps_session ON laps(session_id, number);

	CREATE TABLE IF NOT EXISTS lap_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		lap_id TEXT NOT NULL,
		offset_seconds REAL NOT NULL,
		event_type TEXT NOT NULL,
		value TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lap_events_session ON lap_events(session_id);

	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		media_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER,
		duration_ms INTEGER,
		fps REAL,
		combine_progress REAL NOT NULL DEFAULT 0 CHECK (combine_progress BETWEEN 0 AND 1),
		is_primary BOOLEAN NOT NULL DEFAULT 0,
		overlay_burned BOOLEAN NOT NULL DEFAULT 0,
		lap_one_offset_seconds REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_one_primary ON recordings(session_id) WHERE is_primary = 1;

	CREATE TABLE IF NOT EXISTS recording_sources (
		id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		size_bytes INTEGER,
		uploaded_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		upload_token TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (recording_id, ordinal)
	);
	`

func (s *SqliteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.DB.QueryRowContext(ctx, `SELECT id, user_id, name FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, NotFound("get session", "session %s not found", id)
	}
	if err != nil {
		return Session{}, Internal("get session", err)
	}
	return sess, nil
}

func (s *SqliteStore) PutSession(ctx context.Context, sess Session) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO sessions (id, user_id, name) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name`,
		sess.ID, sess.UserID, sess.Name)
	return err
}

func (s *SqliteStore) ListLaps(ctx context.Context, sessionID string) ([]overlay.LapRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, number, duration_seconds FROM laps WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, Internal("list laps", err)
	}
	defer func() { _ = rows.Close() }()

	var out []overlay.LapRecord
	for rows.Next() {
		var l overlay.LapRecord
		if err := rows.Scan(&l.ID, &l.Number, &l.DurationSeconds); err != nil {
			return nil, Internal("list laps", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SqliteStore) ListLapEvents(ctx context.Context, sessionID string) ([]overlay.LapEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT lap_id, offset_seconds, event_type, value FROM lap_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, Internal("list lap events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []overlay.LapEvent
	for rows.Next() {
		var ev overlay.LapEvent
		if err := rows.Scan(&ev.LapID, &ev.OffsetSeconds, &ev.EventType, &ev.Value); err != nil {
			return nil, Internal("list lap events", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PutLaps replaces every lap and lap event of the session.
func (s *SqliteStore) PutLaps(ctx context.Context, sessionID string, laps []overlay.LapRecord, events []overlay.LapEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lap_events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM laps WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, l := range laps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO laps (id, session_id, number, duration_seconds) VALUES (?, ?, ?, ?)`,
			l.ID, sessionID, l.Number, l.DurationSeconds); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lap_events (session_id, lap_id, offset_seconds, event_type, value) VALUES (?, ?, ?, ?, ?)`,
			sessionID, ev.LapID, ev.OffsetSeconds, ev.EventType, ev.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const recordingColumns = `id, session_id, user_id, description, media_id, status, error, size_bytes, duration_ms,
	fps, combine_progress, is_primary, overlay_burned, lap_one_offset_seconds, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var (
		r                    Recording
		size, dur            sql.NullInt64
		fps                  sql.NullFloat64
		createdAt, updatedAt string
		status               string
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &r.Description, &r.MediaID, &status, &r.Error,
		&size, &dur, &fps, &r.CombineProgress, &r.IsPrimary, &r.OverlayBurned, &r.LapOneOffsetSeconds,
		&createdAt, &updatedAt)
	if err != nil {
		return Recording{}, err
	}
	r.Status = Status(status)
	if size.Valid {
		r.SizeBytes = Ptr(size.Int64)
	}
	if dur.Valid {
		r.DurationMs = Ptr(dur.Int64)
	}
	if fps.Valid {
		r.FPS = Ptr(fps.Float64)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func (s *SqliteStore) CreateRecording(ctx context.Context, rec Recording, sources []Source) (Recording, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Recording{}, Internal("create recording", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.IsPrimary {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM recordings WHERE session_id = ? AND is_primary = 1`, rec.SessionID).Scan(&n); err != nil {
			return Recording{}, Internal("create recording", err)
		}
		rec.IsPrimary = n == 0
	}

	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.CombineProgress = ClampProgress(rec.CombineProgress)
	ts := now.Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `INSERT INTO recordings (`+recordingColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.UserID, rec.Description, rec.MediaID, string(rec.Status), rec.Error,
		nullInt(rec.SizeBytes), nullInt(rec.DurationMs), nullFloat(rec.FPS), rec.CombineProgress,
		rec.IsPrimary, rec.OverlayBurned, rec.LapOneOffsetSeconds, ts, ts)
	if err != nil {
		return Recording{}, Internal("create recording", err)
	}

	for _, src := range sources {
		_, err := tx.ExecContext(ctx, `INSERT INTO recording_sources
		(id, recording_id, file_name, ordinal, size_bytes, uploaded_bytes, status, upload_token, storage_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			src.ID, rec.ID, src.FileName, src.Ordinal, nullInt(src.SizeBytes), src.UploadedBytes,
			string(src.Status), src.UploadToken, src.StoragePath, ts, ts)
		if err != nil {
			return Recording{}, Internal("create recording", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Recording{}, Internal("create recording", err)
	}
	return rec, nil
}

func (s *SqliteStore) GetRecording(ctx context.Context, id string) (Recording, error) {
	return s.getRecording(ctx, s.DB, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SqliteStore) getRecording(ctx context.Context, q queryer, id string) (Recording, error) {
	r, err := scanRecording(q.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, NotFound("get recording", "recording %s not found", id)
	}
	if err != nil {
		return Recording{}, Internal("get recording", err)
	}
	return r, nil
}

func (s *SqliteStore) ListRecordingsBySession(ctx context.Context, sessionID string) ([]Recording, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, Internal("list recordings", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, Internal("list recordings", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRecording applies the patch inside a transaction so the status
// transition check and the write see the same row.
func (s *SqliteStore) UpdateRecording(ctx context.Context, id string, p RecordingPatch) (Recording, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Recording{}, Internal("update recording", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.getRecording(ctx, tx, id)
	if err != nil {
		return Recording{}, err
	}
	if err := applyRecordingPatch(&r, p); err != nil {
		return Recording{}, err
	}
	r.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `UPDATE recordings SET
		status = ?, error = ?, media_id = ?, size_bytes = ?, duration_ms = ?, fps = ?,
		combine_progress = ?, overlay_burned = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.Error, r.MediaID, nullInt(r.SizeBytes), nullInt(r.DurationMs), nullFloat(r.FPS),
		r.CombineProgress, r.OverlayBurned, r.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return Recording{}, Internal("update recording", err)
	}
	if err := tx.Commit(); err != nil {
		return Recording{}, Internal("update recording", err)
	}
	return r, nil
}

func (s *SqliteStore) SetPrimary(ctx context.Context, sessionID, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Internal("set primary", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT session_id FROM recordings WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != sessionID) {
		return NotFound("set primary", "recording %s not found in session %s", id, sessionID)
	}
	if err != nil {
		return Internal("set primary", err)
	}

	ts := s.now().Format(time.RFC3339Nano)
	// Clear first: the partial unique index rejects two primaries mid-statement.
	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET is_primary = 0, updated_at = ? WHERE session_id = ? AND is_primary = 1 AND id != ?`,
		ts, sessionID, id); err != nil {
		return Internal("set primary", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET is_primary = 1, updated_at = ? WHERE id = ?`, ts, id); err != nil {
		return Internal("set primary", err)
	}
	if err := tx.Commit(); err != nil {
		return Internal("set primary", err)
	}
	return nil
}

func (s *SqliteStore) DeleteRecording(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return false, Internal("delete recording", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Internal("delete recording", err)
	}
	return n > 0, nil
}

const sourceColumns = `id, recording_id, file_name, ordinal, size_bytes, uploaded_bytes, status, upload_token,
	storage_path, created_at, updated_at`

func scanSource(row rowScanner) (Source, error) {
	var (
		src                  Source
		size                 sql.NullInt64
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&src.ID, &src.RecordingID, &src.FileName, &src.Ordinal, &size, &src.UploadedBytes,
		&status, &src.UploadToken, &src.StoragePath, &createdAt, &updatedAt)
	if err != nil {
		return Source{}, err
	}
	src.Status = SourceStatus(status)
	if size.Valid {
		src.SizeBytes = Ptr(size.Int64)
	}
	src.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	src.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return src, nil
}

func (s *SqliteStore) GetSource(ctx context.Context, id string) (Source, error) {
	src, err := scanSource(s.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM recording_sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, NotFound("get source", "source %s not found", id)
	}
	if err != nil {
		return Source{}, Internal("get source", err)
	}
	return src, nil
}

func (s *SqliteStore) ListSources(ctx context.Context, recordingID string) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM recording_sources WHERE recording_id = ? ORDER BY ordinal`, recordingID)
	if err != nil {
		return nil, Internal("list sources", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, Internal("list sources", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSource writes only the patched columns.
func (s *SqliteStore) UpdateSource(ctx context.Context, id string, p SourcePatch) (Source, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().Format(time.RFC3339Nano)}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.UploadedBytes != nil {
		sets = append(sets, "uploaded_bytes = ?")
		args = append(args, *p.UploadedBytes)
	}
	if p.UploadToken != nil {
		sets = append(sets, "upload_token = ?")
		args = append(args, *p.UploadToken)
	}
	args = append(args, id)

	// #nosec G202 -- column names are fixed literals above
	res, err := s.DB.ExecContext(ctx, `UPDATE recording_sources SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return Source{}, Internal("update source", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Source{}, NotFound("update source", "source %s not found", id)
	}
	return s.GetSource(ctx, id)
}

func (s *SqliteStore) DeleteSources(ctx context.Context, recordingID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM recording_sources WHERE recording_id = ?`, recordingID); err != nil {
		return Internal("delete sources", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
