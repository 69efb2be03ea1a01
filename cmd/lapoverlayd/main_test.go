// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "/etc/lto.yaml", resolveConfigPath(" /etc/lto.yaml ", dir))
	assert.Empty(t, resolveConfigPath("", dir), "no auto file yet")
	assert.Empty(t, resolveConfigPath("", ""))

	auto := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(auto, []byte("logLevel: debug\n"), 0o600))
	assert.Equal(t, auto, resolveConfigPath("", dir))
}
