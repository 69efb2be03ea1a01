// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sqlite opens the metadata database and applies its schema.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config tunes the metadata database connection.
type Config struct {
	BusyTimeout  time.Duration
	// MaxOpenConns caps the pool; zero leaves the driver default.
	MaxOpenConns int
	// ImmediateTx takes the write lock at BEGIN, so read-then-write
	// transactions (the primary flag flip) never fail on lock upgrade.
	ImmediateTx  bool
}

// DefaultConfig returns the settings the recordings store runs with.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
		ImmediateTx:  true,
	}
}

// DSN builds the connection string. Pragmas live in the DSN so every pooled
// connection gets them; foreign keys are always on because source rows
// cascade with their recording.
func (c Config) DSN(dbPath string) string {
	params := []string{
		"_pragma=journal_mode(WAL)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", c.BusyTimeout.Milliseconds()),
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
	}
	if c.ImmediateTx {
		params = append(params, "_txlock=immediate")
	}
	return "file:" + dbPath + "?" + strings.Join(params, "&")
}

// Open creates the connection pool and checks it is usable.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return db, nil
}

// Migrate applies schema once, tracking it in PRAGMA user_version. A database
// already at version or newer is left alone.
func Migrate(ctx context.Context, db *sql.DB, version int, schema string) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if current >= version {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema v%d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
