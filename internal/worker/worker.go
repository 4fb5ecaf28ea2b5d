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

// Package worker implements the delivery engine: it polls the store for
// claimable events, dispatches each to the downstream sink behind the
// circuit breaker, and records the outcome with retry/backoff or
// permanent failure.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"webhookflow/internal/breaker"
	"webhookflow/internal/metrics"
	"webhookflow/internal/store"
	"webhookflow/pkg/webhook"
)

// Store is the persistence surface the worker needs.
type Store interface {
	ClaimNext(ctx context.Context, now time.Time, deliveryTimeout time.Duration) (*webhook.Event, error)
	MarkDelivered(ctx context.Context, id string, attempt webhook.Attempt, now time.Time) error
	MarkFailedPermanent(ctx context.Context, id string, attempt webhook.Attempt, now time.Time) error
	ScheduleRetry(ctx context.Context, id string, attempt *webhook.Attempt, nextRetryAt time.Time) error
	CountPending(ctx context.Context) (int, error)
}

// Config holds the worker's tunables, all named in the component design.
type Config struct {
	PollInterval     time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DeliveryTimeout  time.Duration
	DownstreamURL    string
}

// Backoff computes delay(n) = min(base * 2^(n-1), max), the deterministic,
// jitter-free schedule the spec requires (unlike a generic retry helper
// that randomizes around the computed delay).
func (c Config) Backoff(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	exp := attemptNumber - 1
	if exp > 32 {
		exp = 32
	}
	d := c.RetryBaseDelay * time.Duration(uint64(1)<<uint(exp))
	if d > c.RetryMaxDelay || d <= 0 {
		return c.RetryMaxDelay
	}
	return d
}

// Worker is the single per-process delivery loop. Start/Stop are
// idempotent; the HTTP client is owned by the worker and released on
// stop.
type Worker struct {
	store   Store
	breaker *breaker.Breaker
	cfg     Config
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	client  *http.Client
}

// New constructs a Worker. log defaults to slog.Default when nil.
func New(st Store, cb *breaker.Breaker, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: st, breaker: cb, cfg: cfg, log: log}
}

// Start launches the background loop. A second call while already
// running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.client = &http.Client{Timeout: w.cfg.DeliveryTimeout}
	w.running = true

	go func() {
		defer close(w.done)
		w.run(runCtx)
	}()
}

// Stop cancels the loop and waits for it to exit, then releases the
// HTTP client. A second call while already stopped is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.client = nil
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		w.drainClaims(ctx)
		w.updatePendingGauge(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainClaims repeatedly claims and delivers until nothing more is
// eligible, the serial-within-a-worker half of the design that still
// parallelizes across replicas via the store's atomic claim.
func (w *Worker) drainClaims(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e, err := w.store.ClaimNext(ctx, time.Now(), w.cfg.DeliveryTimeout)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			w.log.Error("worker: claim failed", "error", err)
			return
		}
		w.deliver(ctx, e)
	}
}

func (w *Worker) deliver(ctx context.Context, e *webhook.Event) {
	attemptNumber := len(e.DeliveryAttempts) + 1
	metrics.IncRetryAttempts(attemptNumber)

	canExecute := w.breaker.CanExecute()
	metrics.SetCircuitState(w.breaker.State().GaugeValue())
	if !canExecute {
		// Per the design's preserved behaviour, a circuit-open rejection
		// does not consume an attempt: backoff is computed for the
		// current (unconsumed) attempt_number, so repeated rejections
		// produce a constant delay rather than a growing one.
		next := time.Now().Add(w.cfg.Backoff(attemptNumber))
		if err := w.store.ScheduleRetry(ctx, e.ID, nil, next); err != nil {
			w.log.Error("worker: reschedule after circuit-open failed", "event_id", e.ID, "error", err)
		}
		return
	}

	tStart := time.Now()
	statusCode, transportErr := w.postToDownstream(ctx, e)
	duration := time.Since(tStart)

	attempt := webhook.Attempt{
		AttemptNumber: attemptNumber,
		Timestamp:     time.Now().UTC(),
		DurationMS:    duration.Milliseconds(),
	}

	switch {
	case transportErr == nil && statusCode == http.StatusOK:
		attempt.StatusCode = webhook.IntPtr(statusCode)
		attempt.Success = true
		if err := w.store.MarkDelivered(ctx, e.ID, attempt, time.Now()); err != nil {
			w.log.Error("worker: mark delivered failed", "event_id", e.ID, "error", err)
			return
		}
		w.breaker.RecordSuccess()
		metrics.SetCircuitState(w.breaker.State().GaugeValue())
		metrics.IncEventsDelivered(e.EventTypeOrUnknown())
		metrics.ObserveDeliveryDuration(duration)
		return

	case transportErr != nil && isTimeout(transportErr):
		attempt.ErrorMessage = webhook.StrPtr("Timeout")

	case transportErr != nil:
		attempt.ErrorMessage = webhook.StrPtr(transportErr.Error())

	default:
		attempt.StatusCode = webhook.IntPtr(statusCode)
		attempt.ErrorMessage = webhook.StrPtr(fmt.Sprintf("HTTP %d", statusCode))
	}

	w.breaker.RecordFailure()
	metrics.SetCircuitState(w.breaker.State().GaugeValue())

	if attemptNumber >= w.cfg.MaxRetryAttempts {
		if err := w.store.MarkFailedPermanent(ctx, e.ID, attempt, time.Now()); err != nil {
			w.log.Error("worker: mark failed permanent failed", "event_id", e.ID, "error", err)
			return
		}
		metrics.IncEventsFailed(e.EventTypeOrUnknown())
		return
	}

	next := time.Now().Add(w.cfg.Backoff(attemptNumber))
	if err := w.store.ScheduleRetry(ctx, e.ID, &attempt, next); err != nil {
		w.log.Error("worker: schedule retry failed", "event_id", e.ID, "error", err)
	}
}

func (w *Worker) postToDownstream(ctx context.Context, e *webhook.Event) (int, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		client = &http.Client{Timeout: w.cfg.DeliveryTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.DownstreamURL+"/downstream/receive", bytes.NewReader(e.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", e.ID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) updatePendingGauge(ctx context.Context) {
	n, err := w.store.CountPending(ctx)
	if err != nil {
		w.log.Error("worker: count pending failed", "error", err)
		return
	}
	metrics.SetPendingEvents(n)
}
