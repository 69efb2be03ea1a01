// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LTO_DATA_DIR", dir)

	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, filepath.Join(dir, "media"), cfg.Paths.MediaRoot)
	assert.Equal(t, filepath.Join(dir, "uploads"), cfg.Paths.UploadRoot)
	assert.Equal(t, dir, cfg.Store.Path)
	assert.Equal(t, 2, cfg.Hardware.BreakerThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Hardware.BreakerCooldown)
	assert.Equal(t, "/dev/dri/renderD128", cfg.Hardware.VaapiDevice)
}

func TestLoadPrecedenceEnvOverFile(t *testing.T) {
	path := writeConfig(t, `
dataDir: /srv/lapoverlay
hardware:
  codec: hevc
  crf: 24
  breakerCooldown: 30s
ffmpeg:
  bin: /opt/ffmpeg/bin/ffmpeg
`)
	t.Setenv("LTO_HW_CRF", "18")

	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/lapoverlay", cfg.DataDir)
	assert.Equal(t, "hevc", cfg.Hardware.Codec)
	assert.Equal(t, 18, cfg.Hardware.CRF)
	assert.Equal(t, 30*time.Second, cfg.Hardware.BreakerCooldown)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpeg.Bin)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "hardware:\n  turbo: true\n")
	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "hardware:\n  codec: av1\n  breakerThreshold: 0\n")
	_, err := NewLoader(path, "dev").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "av1")
	assert.Contains(t, err.Error(), "breakerThreshold")
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("LTO_HW_CRF", "not-a-number")
	assert.Equal(t, 20, ParseInt("LTO_HW_CRF", 20))
}

func TestHolderReloadAppliesNewConfig(t *testing.T) {
	t.Setenv("LTO_DATA_DIR", t.TempDir())
	path := writeConfig(t, "logLevel: info\n")
	loader := NewLoader(path, "dev")
	initial, err := loader.Load()
	require.NoError(t, err)

	var seen []string
	h := NewHolder(initial, loader, path, func(old, next AppConfig) {
		seen = append(seen, old.LogLevel+"->"+next.LogLevel)
	})

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, "debug", h.Get().LogLevel)
	assert.Equal(t, []string{"info->debug"}, seen)

	require.NoError(t, os.WriteFile(path, []byte("bogus: 1\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, "debug", h.Get().LogLevel)
}
