// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lapoverlay_encoder_breaker_state",
		Help: "Hardware encoder circuit breaker state (active state=1, others 0)",
	}, []string{"state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lapoverlay_encoder_breaker_trips_total",
		Help: "Total number of hardware encoder breaker trips",
	}, []string{"backend"})
)

var circuitStates = []string{"closed", "open"}

// SetCircuitBreakerState records the active hardware breaker state.
func SetCircuitBreakerState(state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when the breaker opens.
func RecordCircuitBreakerTrip(backend string) {
	circuitBreakerTrips.WithLabelValues(backend).Inc()
}
