// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version    string           `yaml:"-"`
	DataDir    string           `yaml:"dataDir"`
	LogLevel   string           `yaml:"logLevel"`
	LogService string           `yaml:"logService"`
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Paths      PathsConfig      `yaml:"paths"`
	FFmpeg     FFmpegConfig     `yaml:"ffmpeg"`
	Hardware   HardwareConfig   `yaml:"hardware"`
	Projection ProjectionConfig `yaml:"projection"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type HTTPConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	MaxConns          int           `yaml:"maxConns"`
	UploadRateLimit   int           `yaml:"uploadRateLimit"`
	UploadRateWindow  time.Duration `yaml:"uploadRateWindow"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// StoreConfig selects the metadata store. Backend is "sqlite" or "memory".
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// PathsConfig holds the storage roots. Empty values resolve under DataDir.
type PathsConfig struct {
	MediaRoot   string `yaml:"mediaRoot"`
	UploadRoot  string `yaml:"uploadRoot"`
	RenderRoot  string `yaml:"renderRoot"`
	PreviewRoot string `yaml:"previewRoot"`
}

type FFmpegConfig struct {
	Bin          string        `yaml:"bin"`
	FFprobeBin   string        `yaml:"ffprobeBin"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
	KillGrace    time.Duration `yaml:"killGrace"`
}

// HardwareConfig controls hardware encoder selection and the encoder circuit breaker.
type HardwareConfig struct {
	PreferHardware   bool          `yaml:"preferHardware"`
	VaapiDevice      string        `yaml:"vaapiDevice"`
	CardDevice       string        `yaml:"cardDevice"`
	Codec            string        `yaml:"codec"`
	Preset           string        `yaml:"preset"`
	CRF              int           `yaml:"crf"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// ProjectionConfig points at the redis instance notified after media changes.
// An empty RedisAddr disables notifications.
type ProjectionConfig struct {
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDB"`
	Channel   string `yaml:"channel"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}
