// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
)

// Validate checks the resolved configuration and joins every problem found.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if cfg.DataDir == "" {
		add("dataDir must be set")
	}
	switch cfg.Store.Backend {
	case "sqlite", "memory":
	default:
		add("store.backend %q must be sqlite or memory", cfg.Store.Backend)
	}
	switch cfg.Hardware.Codec {
	case "h264", "hevc":
	default:
		add("hardware.codec %q must be h264 or hevc", cfg.Hardware.Codec)
	}
	if cfg.Hardware.CRF < 0 || cfg.Hardware.CRF > 51 {
		add("hardware.crf %d out of range [0,51]", cfg.Hardware.CRF)
	}
	if cfg.Hardware.BreakerThreshold < 1 {
		add("hardware.breakerThreshold must be >= 1")
	}
	if cfg.Hardware.BreakerCooldown <= 0 {
		add("hardware.breakerCooldown must be positive")
	}
	if cfg.FFmpeg.Bin == "" {
		add("ffmpeg.bin must be set")
	}
	if cfg.FFmpeg.ProbeTimeout <= 0 {
		add("ffmpeg.probeTimeout must be positive")
	}
	if cfg.HTTP.MaxConns < 0 {
		add("http.maxConns must not be negative")
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			add("telemetry.exporter %q must be grpc or http", cfg.Telemetry.Exporter)
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate must be within [0,1]")
	}
	return errors.Join(errs...)
}
