// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "meta.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	problems, err := VerifyIntegrity(context.Background(), db, false)
	require.NoError(t, err)
	assert.Nil(t, problems)
}

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	dsn := cfg.DSN("/data/meta.sqlite")
	assert.True(t, strings.HasPrefix(dsn, "file:/data/meta.sqlite?"))
	assert.Contains(t, dsn, "_pragma=busy_timeout(5000)")
	assert.Contains(t, dsn, "_pragma=foreign_keys(ON)")
	assert.Contains(t, dsn, "_txlock=immediate")

	cfg.ImmediateTx = false
	assert.NotContains(t, cfg.DSN("/data/meta.sqlite"), "_txlock")
}

func TestMigrateRunsOnce(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "meta.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	const schema = `CREATE TABLE things (id TEXT PRIMARY KEY);`
	require.NoError(t, Migrate(ctx, db, 1, schema))
	// Re-applying would fail on the existing table; the version gate skips it.
	require.NoError(t, Migrate(ctx, db, 1, schema))

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)

	err = Migrate(ctx, db, 2, `CREATE TABLE things (id TEXT PRIMARY KEY);`)
	require.Error(t, err)
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version, "failed migration rolls back")
}
