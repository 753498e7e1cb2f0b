// Package metrics exposes Prometheus instrumentation for capture sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presentationrecorder_session_transitions_total",
		Help: "Capture session state transitions, partitioned by source and target state",
	}, []string{"from", "to"})

	negotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presentationrecorder_negotiations_total",
		Help: "Encoder capability negotiations, partitioned by outcome",
	}, []string{"result"})

	stopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presentationrecorder_session_stops_total",
		Help: "Capture sessions stopped, partitioned by reason",
	}, []string{"reason"})

	cleanupErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presentationrecorder_cleanup_errors_total",
		Help: "Release failures suppressed during teardown or rollback",
	})

	sessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presentationrecorder_session_active",
		Help: "1 while a capture session is recording",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presentationrecorder_session_duration_seconds",
		Help:    "Time spent in the active recording state",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	})

	presentationTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presentationrecorder_presentation_updates_total",
		Help: "Periodic secondary surface updates drawn",
	})
)

// ObserveTransition counts a state change and keeps the active gauge current
func ObserveTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
	if to == "active" {
		sessionActive.Set(1)
	} else if from == "active" {
		sessionActive.Set(0)
	}
}

// ObserveNegotiation counts a negotiation outcome ("ok" or a rejection reason)
func ObserveNegotiation(result string) {
	negotiationsTotal.WithLabelValues(result).Inc()
}

// ObserveStop counts a session stop and records how long it was recording
func ObserveStop(reason string, recorded time.Duration) {
	stopsTotal.WithLabelValues(reason).Inc()
	if recorded > 0 {
		sessionDuration.Observe(recorded.Seconds())
	}
}

// ObserveCleanupError counts a suppressed release failure
func ObserveCleanupError() {
	cleanupErrorsTotal.Inc()
}

// ObservePresentationTick counts one periodic surface update
func ObservePresentationTick() {
	presentationTicks.Inc()
}
