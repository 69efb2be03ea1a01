// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command lapoverlayd serves the recording upload, combine and overlay
// rendering API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/api"
	"github.com/jonnyreeves/lap-time-overlay/internal/config"
	"github.com/jonnyreeves/lap-time-overlay/internal/daemon"
	"github.com/jonnyreeves/lap-time-overlay/internal/encoder"
	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/persistence/sqlite"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/projection"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/render"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/jonnyreeves/lap-time-overlay/internal/telemetry"
	"github.com/jonnyreeves/lap-time-overlay/internal/upload"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}
	os.Exit(run(*configPath))
}

// resolveConfigPath prefers an explicit path, then dataDir/config.yaml when present.
func resolveConfigPath(explicit, dataDir string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if dataDir == "" {
		return ""
	}
	auto := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(auto); err == nil {
		return auto
	}
	return ""
}

func run(explicitConfig string) int {
	xglog.Configure(xglog.Config{Level: "info", Service: "lapoverlayd", Version: version})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath(explicitConfig, config.ParseString("LTO_DATA_DIR", "./data"))
	loader := config.NewLoader(cfgPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "config.load_failed").Str(xglog.FieldPath, cfgPath).Msg("failed to load configuration")
		return 1
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: cfg.Version})
	logger = xglog.WithComponent("daemon")
	logger.Info().
		Str(xglog.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("config", cfgPath).
		Str("data_dir", cfg.DataDir).
		Msg("starting lapoverlayd")

	if err := start(ctx, cfg, loader, cfgPath, logger); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.failed").Msg("daemon exited with error")
		return 1
	}
	return 0
}

func start(ctx context.Context, cfg config.AppConfig, loader *config.Loader, cfgPath string, logger zerolog.Logger) error {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	layout := paths.Layout{
		MediaRoot:   cfg.Paths.MediaRoot,
		UploadRoot:  cfg.Paths.UploadRoot,
		RenderRoot:  cfg.Paths.RenderRoot,
		PreviewRoot: cfg.Paths.PreviewRoot,
	}
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("storage layout: %w", err)
	}

	store, err := recordings.NewStore(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if sq, ok := store.(*recordings.SqliteStore); ok {
		problems, err := sqlite.VerifyIntegrity(ctx, sq.DB, false)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("verify store: %w", err)
		}
		if len(problems) > 0 {
			logger.Warn().Strs("problems", problems).Str(xglog.FieldEvent, "store.integrity_warning").Msg("recordings database reported integrity problems")
		}
	}

	var projector projection.Refresher = projection.Noop{}
	var redisProjector *projection.RedisRefresher
	if cfg.Projection.RedisAddr != "" {
		redisProjector, err = projection.NewRedisRefresher(ctx, projection.RedisConfig{
			Addr:    cfg.Projection.RedisAddr,
			DB:      cfg.Projection.RedisDB,
			Channel: cfg.Projection.Channel,
		})
		if err != nil {
			logger.Warn().Err(err).Str(xglog.FieldEvent, "projection.disabled").Msg("redis unavailable, projection refreshes disabled")
		} else {
			projector = redisProjector
		}
	}

	executor := &ffmpeg.Executor{Bin: cfg.FFmpeg.Bin, KillGrace: cfg.FFmpeg.KillGrace, Logger: xglog.WithComponent("ffmpeg")}
	mediaProber := &ffmpeg.Prober{Bin: cfg.FFmpeg.FFprobeBin, Runner: ffmpeg.ExecRunner{}, Timeout: cfg.FFmpeg.ProbeTimeout}

	hwProber := hardware.NewProber(cfg.FFmpeg.Bin, cfg.Hardware.VaapiDevice, cfg.Hardware.CardDevice, cfg.FFmpeg.ProbeTimeout)
	breaker := resilience.NewCircuitBreaker(cfg.Hardware.BreakerThreshold, cfg.Hardware.BreakerCooldown)
	hw := hardware.NewService(hwProber.Probe, breaker)

	uploads := upload.NewService(store, executor, mediaProber, projector, upload.Config{Layout: layout})
	renderer := render.NewService(store, executor, mediaProber, hw, projector, render.Config{
		Layout: layout,
		Encoder: encoder.Settings{
			Codec:       cfg.Hardware.Codec,
			Preset:      cfg.Hardware.Preset,
			CRF:         cfg.Hardware.CRF,
			VaapiDevice: cfg.Hardware.VaapiDevice,
		},
		PreferHardware: cfg.Hardware.PreferHardware,
	})

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = cfg.LogService
	}
	server := api.NewServer(uploads, renderer, hw, api.Config{
		UploadRateLimit:  cfg.HTTP.UploadRateLimit,
		UploadRateWindow: cfg.HTTP.UploadRateWindow,
		TracingService:   tracingService,
	})
	mgr, err := daemon.NewManager(daemon.ServerConfig{
		ListenAddr:        cfg.HTTP.ListenAddr,
		MaxConns:          cfg.HTTP.MaxConns,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}, server.Handler())
	if err != nil {
		_ = store.Close()
		return err
	}

	// Registered in dependency order; hooks run in reverse.
	mgr.RegisterShutdownHook("store", func(context.Context) error { return store.Close() })
	if redisProjector != nil {
		mgr.RegisterShutdownHook("projection", func(context.Context) error { return redisProjector.Close() })
	}
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	mgr.RegisterShutdownHook("upload", func(context.Context) error { uploads.Close(); return nil })
	mgr.RegisterShutdownHook("render", func(context.Context) error { renderer.Close(); return nil })

	holder := config.NewHolder(cfg, loader, cfgPath, nil)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		probeCtx, cancel := context.WithTimeout(gctx, 2*time.Minute)
		defer cancel()
		res := hw.Get(probeCtx)
		logger.Info().
			Str(xglog.FieldEvent, "hardware.probed").
			Bool("available", res.Available).
			Str(xglog.FieldBackend, string(res.Backend)).
			Strs("reasons", res.Reasons).
			Msg("hardware probe complete")
		return nil
	})
	g.Go(func() error { return mgr.Start(ctx) })
	return g.Wait()
}
