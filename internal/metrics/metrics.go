// Package metrics provides Prometheus metrics for the turn pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeCompletionFailed = "completion_failed"
	OutcomeNotFound         = "not_found"
	OutcomeConflict         = "conflict"
	OutcomeError            = "error"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_turns_total",
		Help: "Turns processed, by outcome.",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_turn_duration_seconds",
		Help:    "Wall time of a turn from lock acquisition to completion.",
		Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
	})

	turnsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_turns_in_flight",
		Help: "Turns currently running.",
	})

	imageDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_image_decisions_total",
		Help: "Image trigger decisions, by status and origin.",
	}, []string{"status", "origin"})

	imagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_images_delivered_total",
		Help: "Images appended to conversations from render events.",
	})

	goalsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_goals_completed_total",
		Help: "Goals completed, by difficulty.",
	}, []string{"difficulty"})

	goalsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_goals_generated_total",
		Help: "Goals generated.",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_notifications_total",
		Help: "Notifications pushed to users, by event.",
	}, []string{"event"})

	websocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_websocket_clients",
		Help: "Connected websocket clients.",
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "companion_circuit_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"breaker"})

	breakerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_circuit_breaker_calls_total",
		Help: "Calls through a circuit breaker, by result.",
	}, []string{"breaker", "result"})
)

// Circuit breaker call results.
const (
	BreakerSuccess  = "success"
	BreakerFailure  = "failure"
	BreakerRejected = "rejected"
)

// TurnStarted marks a turn as running and returns a func that records its
// outcome and duration.
func TurnStarted() func(outcome string) {
	start := time.Now()
	turnsInFlight.Inc()
	return func(outcome string) {
		turnsInFlight.Dec()
		turnDuration.Observe(time.Since(start).Seconds())
		turnsTotal.WithLabelValues(outcome).Inc()
	}
}

// ImageDecision counts an image trigger decision.
func ImageDecision(status string, autoTriggered bool) {
	origin := "user"
	if autoTriggered {
		origin = "assistant"
	}
	imageDecisionsTotal.WithLabelValues(status, origin).Inc()
}

// ImagesDelivered counts delivered images.
func ImagesDelivered(n int) {
	imagesDeliveredTotal.Add(float64(n))
}

// GoalCompleted counts a completed goal.
func GoalCompleted(difficulty string) {
	goalsCompletedTotal.WithLabelValues(difficulty).Inc()
}

// GoalGenerated counts a generated goal.
func GoalGenerated() {
	goalsGeneratedTotal.Inc()
}

// Notification counts a pushed event.
func Notification(event string) {
	notificationsTotal.WithLabelValues(event).Inc()
}

// ClientConnected adjusts the websocket client gauge by delta.
func ClientConnected(delta int) {
	websocketClients.Add(float64(delta))
}

// BreakerState records the state of a circuit breaker. Unknown states are
// reported as closed.
func BreakerState(name, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	breakerState.WithLabelValues(name).Set(value)
}

// BreakerCall counts a call through a circuit breaker.
func BreakerCall(name, result string) {
	breakerCallsTotal.WithLabelValues(name, result).Inc()
}
