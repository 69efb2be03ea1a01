// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package render draws the lap overlay onto recordings: single preview
// frames and full burn-in encodes.
package render

import (
	"context"
	"sync"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/encoder"
	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/projection"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// lapEndMargin keeps a preview frame strictly inside its lap.
	lapEndMargin = 0.05

	defaultProgressRate = rate.Limit(2)
)

// Transcoder runs a long ffmpeg job. *ffmpeg.Executor implements it.
type Transcoder interface {
	Run(ctx context.Context, args []string, expected time.Duration, onProgress func(float64)) error
}

// MediaProber reads media metadata. *ffmpeg.Prober implements it.
type MediaProber interface {
	Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
}

// HardwareStatus is the probe cache plus breaker. *hardware.Service implements it.
type HardwareStatus interface {
	Get(ctx context.Context) hardware.Result
	Breaker() resilience.Snapshot
	encoder.Recorder
}

// Config tunes rendering.
type Config struct {
	Layout         paths.Layout
	Encoder        encoder.Settings
	PreferHardware bool
	// ProgressRate bounds burn progress writes per second.
	ProgressRate   rate.Limit
}

// Service renders previews and burns.
type Service struct {
	store      recordings.Store
	transcoder Transcoder
	prober     MediaProber
	hw         HardwareStatus
	projector  projection.Refresher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewService wires the renderer. A nil projector disables refreshes.
func NewService(store recordings.Store, transcoder Transcoder, prober MediaProber, hw HardwareStatus, projector projection.Refresher, cfg Config) *Service {
	if projector == nil {
		projector = projection.Noop{}
	}
	if cfg.ProgressRate <= 0 {
		cfg.ProgressRate = defaultProgressRate
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		transcoder: transcoder,
		prober:     prober,
		hw:         hw,
		projector:  projector,
		cfg:        cfg,
		logger:     xglog.WithComponent("render"),
		now:        time.Now,
		base:       base,
		stop:       stop,
	}
}

// Close cancels background burns and waits for their cleanup.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := xglog.WithContext(ctx, s.logger)
	return &l
}

func (s *Service) owned(ctx context.Context, op, recordingID, userID string) (recordings.Recording, error) {
	if userID == "" {
		return recordings.Recording{}, recordings.Unauthenticated(op, "user required")
	}
	rec, err := s.store.GetRecording(ctx, recordingID)
	if err != nil {
		return recordings.Recording{}, err
	}
	if rec.UserID != userID {
		return recordings.Recording{}, recordings.Forbidden(op, "recording %s is not owned by caller", recordingID)
	}
	return rec, nil
}

func (s *Service) laps(ctx context.Context, sessionID string) ([]overlay.Lap, error) {
	records, err := s.store.ListLaps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListLapEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return overlay.DeriveLaps(records, events), nil
}

func (s *Service) dimensions(ctx context.Context, mediaPath string) (overlay.Dimensions, ffmpeg.MediaInfo, error) {
	info, err := s.prober.Probe(ctx, mediaPath)
	if err != nil {
		return overlay.Dimensions{}, ffmpeg.MediaInfo{}, recordings.Upstream("probe media", err)
	}
	return overlay.Dimensions{Width: info.Width, Height: info.Height}, info, nil
}
