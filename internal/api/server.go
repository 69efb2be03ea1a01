// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the HTTP surface over the upload, render and hardware
// services. Caller identity is taken from the X-User-ID header, which the
// fronting auth layer is trusted to set.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonnyreeves/lap-time-overlay/internal/api/middleware"
	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
	"github.com/jonnyreeves/lap-time-overlay/internal/render"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
	"github.com/jonnyreeves/lap-time-overlay/internal/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxJSONBody bounds JSON request bodies; uploads are streamed separately.
const maxJSONBody = 1 << 20

// Uploads is the upload pipeline. *upload.Service implements it.
type Uploads interface {
	StartUploadSession(ctx context.Context, req upload.StartRequest) (*upload.Plan, error)
	AcceptUpload(ctx context.Context, sourceID, token, userID string, body io.Reader) (*upload.AcceptResult, error)
	Status(ctx context.Context, recordingID, userID string) (recordings.Recording, []recordings.Source, error)
	Resume(ctx context.Context, recordingID, userID string) (*upload.Plan, error)
	SetPrimary(ctx context.Context, recordingID, userID string) error
	DeleteRecording(ctx context.Context, recordingID, userID string) (bool, error)
}

// Renderer produces previews and burns. *render.Service implements it.
type Renderer interface {
	Preview(ctx context.Context, req render.PreviewRequest) (*render.PreviewResult, error)
	StartBurn(ctx context.Context, req render.BurnRequest) (recordings.Recording, error)
}

// Hardware exposes the probe cache and breaker. *hardware.Service implements it.
type Hardware interface {
	Get(ctx context.Context) hardware.Result
	Breaker() resilience.Snapshot
	Reset()
}

// Config tunes the HTTP surface.
type Config struct {
	UploadRateLimit  int
	UploadRateWindow time.Duration
	TracingService   string // empty disables tracing
}

// Server routes HTTP requests onto the services.
type Server struct {
	uploads  Uploads
	renderer Renderer
	hw       Hardware
	cfg      Config
	now      func() time.Time
}

// NewServer wires the HTTP surface.
func NewServer(uploads Uploads, renderer Renderer, hw Hardware, cfg Config) *Server {
	return &Server{uploads: uploads, renderer: renderer, hw: hw, cfg: cfg, now: time.Now}
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(middleware.RateLimitConfig{
				RequestLimit: s.cfg.UploadRateLimit,
				WindowSize:   s.cfg.UploadRateWindow,
			}))
			r.Put("/uploads", s.handleUpload)
			r.Post("/uploads", s.handleUpload)
		})

		r.Post("/sessions/{sessionID}/recordings", s.handleStartUpload)

		r.Route("/recordings/{recordingID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleDelete)
			r.Post("/resume", s.handleResume)
			r.Post("/primary", s.handleSetPrimary)
			r.Post("/preview", s.handlePreview)
			r.Post("/burn", s.handleBurn)
		})

		r.Get("/hardware", s.handleHardware)
		r.Post("/hardware/reset", s.handleHardwareReset)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "")
	})
	return r
}

func userID(r *http.Request) string {
	return r.Header.Get(middleware.HeaderUserID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
