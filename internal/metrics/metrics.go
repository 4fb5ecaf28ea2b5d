// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes the Prometheus series emitted by the ingest
// handler and the delivery worker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	eventsReceived   *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	eventsFailed     *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	pendingEvents    prometheus.Gauge
	circuitState     prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests
// that construct a fresh store/worker and don't want stale series left
// registered from a previous test in the same process.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns the HTTP handler that exposes metrics in Prometheus
// exposition format, for mounting at GET /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEventsReceived increments webhook_events_received_total for the given
// event type label; callers pass "unknown" for an absent one.
func IncEventsReceived(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	eventsReceived.WithLabelValues(eventType).Inc()
}

// IncEventsDelivered increments webhook_events_delivered_total.
func IncEventsDelivered(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	eventsDelivered.WithLabelValues(eventType).Inc()
}

// IncEventsFailed increments webhook_events_failed_total.
func IncEventsFailed(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	eventsFailed.WithLabelValues(eventType).Inc()
}

// IncRetryAttempts increments webhook_retry_attempts_total for the given
// 1-based attempt number.
func IncRetryAttempts(attemptNumber int) {
	mu.RLock()
	defer mu.RUnlock()
	retryAttempts.WithLabelValues(strconv.Itoa(attemptNumber)).Inc()
}

// ObserveDeliveryDuration records one delivery call's duration.
func ObserveDeliveryDuration(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	deliveryDuration.Observe(d.Seconds())
}

// SetPendingEvents sets webhook_pending_events to n.
func SetPendingEvents(n int) {
	mu.RLock()
	defer mu.RUnlock()
	pendingEvents.Set(float64(n))
}

// SetCircuitState sets webhook_circuit_breaker_state to v (0/1/2 per the
// closed/open/half-open convention).
func SetCircuitState(v float64) {
	mu.RLock()
	defer mu.RUnlock()
	circuitState.Set(v)
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received_total",
		Help: "Total webhook events accepted by the ingest endpoint.",
	}, []string{"event_type"})

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_delivered_total",
		Help: "Total webhook events successfully delivered downstream.",
	}, []string{"event_type"})

	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_failed_total",
		Help: "Total webhook events that exhausted their retry budget.",
	}, []string{"event_type"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_retry_attempts_total",
		Help: "Total delivery attempts started, by attempt number, including ones the circuit breaker rejected.",
	}, []string{"attempt_number"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Duration of downstream delivery HTTP calls.",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhook_pending_events",
		Help: "Number of events with status RECEIVED or PROCESSING.",
	})

	circuit := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhook_circuit_breaker_state",
		Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
	})

	registry.MustRegister(received, delivered, failed, retries, duration, pending, circuit)

	reg = registry
	eventsReceived = received
	eventsDelivered = delivered
	eventsFailed = failed
	retryAttempts = retries
	deliveryDuration = duration
	pendingEvents = pending
	circuitState = circuit
}
