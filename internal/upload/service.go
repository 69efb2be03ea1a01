// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upload accepts recording sources and combines them into one
// canonical media file.
package upload

import (
	"context"
	"sync"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/platform/paths"
	"github.com/jonnyreeves/lap-time-overlay/internal/projection"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultFlushEvery   = 512 << 10
	copyBufferSize      = 256 << 10
	defaultProgressRate = rate.Limit(2)
	defaultUploadPath   = "/api/uploads"
)

// Transcoder runs a long ffmpeg job. *ffmpeg.Executor implements it.
type Transcoder interface {
	Run(ctx context.Context, args []string, expected time.Duration, onProgress func(float64)) error
}

// MediaProber reads media metadata. *ffmpeg.Prober implements it.
type MediaProber interface {
	Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
}

// Config tunes the service. Zero values take defaults.
type Config struct {
	Layout paths.Layout
	// UploadPath is the route clients PUT source bytes to.
	UploadPath string
	// FlushEvery is how many received bytes pass between persisted
	// uploadedBytes updates.
	FlushEvery int64
	// ProgressRate bounds combineProgress writes per second.
	ProgressRate rate.Limit
}

// Service owns the recording and source state machine.
type Service struct {
	store      recordings.Store
	transcoder Transcoder
	prober     MediaProber
	projector  projection.Refresher
	cfg        Config
	combines   *registry
	logger     zerolog.Logger

	// active holds source ids with an upload in progress.
	active sync.Map
}

// NewService wires the pipeline. A nil projector disables projection refreshes.
func NewService(store recordings.Store, transcoder Transcoder, prober MediaProber, projector projection.Refresher, cfg Config) *Service {
	if cfg.UploadPath == "" {
		cfg.UploadPath = defaultUploadPath
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.ProgressRate <= 0 {
		cfg.ProgressRate = defaultProgressRate
	}
	if projector == nil {
		projector = projection.Noop{}
	}
	logger := xglog.WithComponent("upload")
	return &Service{
		store:      store,
		transcoder: transcoder,
		prober:     prober,
		projector:  projector,
		cfg:        cfg,
		combines:   newRegistry(logger),
		logger:     logger,
	}
}

// Close cancels in-flight combines and waits for them to clean up.
func (s *Service) Close() {
	s.combines.shutdown()
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := xglog.WithContext(ctx, s.logger)
	return &l
}

// owned loads a recording and checks it belongs to userID.
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
