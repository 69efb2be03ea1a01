// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load loads configuration with precedence: ENV > File > Defaults
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	resolvePaths(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:    "./data",
		LogLevel:   "info",
		LogService: "lapoverlayd",
		HTTP: HTTPConfig{
			ListenAddr:        ":8080",
			MaxConns:          256,
			UploadRateLimit:   120,
			UploadRateWindow:  time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Backend: "sqlite"},
		FFmpeg: FFmpegConfig{
			Bin:          "ffmpeg",
			FFprobeBin:   "ffprobe",
			ProbeTimeout: 5 * time.Second,
			KillGrace:    2 * time.Second,
		},
		Hardware: HardwareConfig{
			PreferHardware:   true,
			VaapiDevice:      "/dev/dri/renderD128",
			CardDevice:       "/dev/dri/card0",
			Codec:            "h264",
			Preset:           "veryfast",
			CRF:              20,
			BreakerThreshold: 2,
			BreakerCooldown:  10 * time.Minute,
		},
		Projection: ProjectionConfig{Channel: "lapoverlay:projections"},
		Telemetry:  TelemetryConfig{Exporter: "grpc", SamplingRate: 1.0},
	}
}

func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func mergeEnv(cfg *AppConfig) {
	cfg.DataDir = ParseString("LTO_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = ParseString("LTO_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("LTO_LOG_SERVICE", cfg.LogService)

	cfg.HTTP.ListenAddr = ParseString("LTO_LISTEN", cfg.HTTP.ListenAddr)
	cfg.HTTP.MaxConns = ParseInt("LTO_HTTP_MAX_CONNS", cfg.HTTP.MaxConns)
	cfg.HTTP.UploadRateLimit = ParseInt("LTO_UPLOAD_RATE_LIMIT", cfg.HTTP.UploadRateLimit)
	cfg.HTTP.UploadRateWindow = ParseDuration("LTO_UPLOAD_RATE_WINDOW", cfg.HTTP.UploadRateWindow)

	cfg.Store.Backend = ParseString("LTO_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = ParseString("LTO_STORE_PATH", cfg.Store.Path)

	cfg.Paths.MediaRoot = ParseString("LTO_MEDIA_ROOT", cfg.Paths.MediaRoot)
	cfg.Paths.UploadRoot = ParseString("LTO_UPLOAD_ROOT", cfg.Paths.UploadRoot)
	cfg.Paths.RenderRoot = ParseString("LTO_RENDER_ROOT", cfg.Paths.RenderRoot)
	cfg.Paths.PreviewRoot = ParseString("LTO_PREVIEW_ROOT", cfg.Paths.PreviewRoot)

	cfg.FFmpeg.Bin = ParseString("LTO_FFMPEG_BIN", cfg.FFmpeg.Bin)
	cfg.FFmpeg.FFprobeBin = ParseString("LTO_FFPROBE_BIN", cfg.FFmpeg.FFprobeBin)
	cfg.FFmpeg.ProbeTimeout = ParseDuration("LTO_FFMPEG_PROBE_TIMEOUT", cfg.FFmpeg.ProbeTimeout)

	cfg.Hardware.PreferHardware = ParseBool("LTO_HW_PREFER", cfg.Hardware.PreferHardware)
	cfg.Hardware.VaapiDevice = ParseString("LTO_HW_VAAPI_DEVICE", cfg.Hardware.VaapiDevice)
	cfg.Hardware.Codec = ParseString("LTO_HW_CODEC", cfg.Hardware.Codec)
	cfg.Hardware.Preset = ParseString("LTO_HW_PRESET", cfg.Hardware.Preset)
	cfg.Hardware.CRF = ParseInt("LTO_HW_CRF", cfg.Hardware.CRF)
	cfg.Hardware.BreakerThreshold = ParseInt("LTO_HW_BREAKER_THRESHOLD", cfg.Hardware.BreakerThreshold)
	cfg.Hardware.BreakerCooldown = ParseDuration("LTO_HW_BREAKER_COOLDOWN", cfg.Hardware.BreakerCooldown)

	cfg.Projection.RedisAddr = ParseString("LTO_REDIS_ADDR", cfg.Projection.RedisAddr)
	cfg.Projection.RedisDB = ParseInt("LTO_REDIS_DB", cfg.Projection.RedisDB)

	cfg.Telemetry.Enabled = ParseBool("LTO_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("LTO_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("LTO_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("LTO_TELEMETRY_SAMPLING", cfg.Telemetry.SamplingRate)
}

func resolvePaths(cfg *AppConfig) {
	under := func(v, name string) string {
		if v != "" {
			return v
		}
		return filepath.Join(cfg.DataDir, name)
	}
	cfg.Paths.MediaRoot = under(cfg.Paths.MediaRoot, "media")
	cfg.Paths.UploadRoot = under(cfg.Paths.UploadRoot, "uploads")
	cfg.Paths.RenderRoot = under(cfg.Paths.RenderRoot, "render")
	cfg.Paths.PreviewRoot = under(cfg.Paths.PreviewRoot, "previews")
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = cfg.DataDir
	}
}
