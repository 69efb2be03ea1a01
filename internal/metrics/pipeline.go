// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadBytes counts bytes received for upload sources.
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lapoverlay_upload_bytes_total",
		Help: "Total bytes received for recording sources",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lapoverlay_uploads_total",
		Help: "Source uploads by result",
	}, []string{"result"})

	combineTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lapoverlay_combine_total",
		Help: "Combine runs by result",
	}, []string{"result"})

	combineDedup = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lapoverlay_combine_dedup_total",
		Help: "Combine requests that joined an already running combine",
	})

	hardwareAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lapoverlay_encoder_attempts_total",
		Help: "Encoder attempts by backend and result",
	}, []string{"backend", "result"})

	renderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lapoverlay_render_duration_seconds",
		Help:    "Duration of render operations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.5, 12),
	}, []string{"kind", "result"})
)

func RecordUpload(result string) { uploadsTotal.WithLabelValues(result).Inc() }

func RecordCombine(result string) { combineTotal.WithLabelValues(result).Inc() }

func RecordCombineDedup() { combineDedup.Inc() }

// RecordEncoderAttempt counts one encoder attempt. backend is "software", "vaapi" or "qsv".
func RecordEncoderAttempt(backend, result string) {
	hardwareAttempts.WithLabelValues(backend, result).Inc()
}

// ObserveRender records how long a preview or burn took.
func ObserveRender(kind, result string, seconds float64) {
	renderDuration.WithLabelValues(kind, result).Observe(seconds)
}
