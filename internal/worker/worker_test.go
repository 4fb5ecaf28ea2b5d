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

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"webhookflow/internal/breaker"
	"webhookflow/internal/store"
	"webhookflow/pkg/webhook"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "webhookflow.db"))
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertEvent(t *testing.T, s *store.Store) *webhook.Event {
	t.Helper()
	e := &webhook.Event{
		ID:         uuid.NewString(),
		Payload:    []byte(`{"event_type":"order.created"}`),
		Status:     webhook.StatusReceived,
		ReceivedAt: time.Now().UTC(),
		EventType:  webhook.StrPtr("order.created"),
		Version:    1,
	}
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert() = %v", err)
	}
	return e
}

func testConfig(downstreamURL string) Config {
	return Config{
		PollInterval:     10 * time.Millisecond,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		DeliveryTimeout:  time.Second,
		DownstreamURL:    downstreamURL,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := Config{RetryBaseDelay: time.Second, RetryMaxDelay: 16 * time.Second}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := cfg.Backoff(6); got != 16*time.Second {
		t.Fatalf("Backoff(6) = %v, want capped at 16s", got)
	}
}

func TestDeliverHappyPath(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Event-Id") == "" {
			t.Error("missing X-Event-Id header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	s := openTestStore(t)
	e := insertEvent(t, s)

	w := New(s, breaker.New(breaker.DefaultConfig()), testConfig(downstream.URL), nil)
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.FindByID(context.Background(), e.ID)
		return err == nil && got.Status == webhook.StatusDelivered
	})

	final, err := s.FindByID(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if len(final.DeliveryAttempts) != 1 || !final.DeliveryAttempts[0].Success {
		t.Fatalf("DeliveryAttempts = %+v, want one successful attempt", final.DeliveryAttempts)
	}
	if final.NextRetryAt != nil {
		t.Fatal("NextRetryAt set after delivery, want nil")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls int32
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	s := openTestStore(t)
	e := insertEvent(t, s)

	cfg := testConfig(downstream.URL)
	w := New(s, breaker.New(breaker.DefaultConfig()), cfg, nil)
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := s.FindByID(context.Background(), e.ID)
		return err == nil && got.Status == webhook.StatusDelivered
	})

	final, err := s.FindByID(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if len(final.DeliveryAttempts) != 2 {
		t.Fatalf("DeliveryAttempts = %+v, want 2 (one failure, one success)", final.DeliveryAttempts)
	}
	if final.DeliveryAttempts[0].Success || !final.DeliveryAttempts[1].Success {
		t.Fatalf("DeliveryAttempts = %+v, want [fail, success]", final.DeliveryAttempts)
	}
}

func TestDeliverFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer downstream.Close()

	s := openTestStore(t)
	e := insertEvent(t, s)

	cfg := testConfig(downstream.URL)
	cfg.MaxRetryAttempts = 3
	w := New(s, breaker.New(breaker.DefaultConfig()), cfg, nil)
	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := s.FindByID(context.Background(), e.ID)
		return err == nil && got.Status == webhook.StatusFailedPermanently
	})

	final, err := s.FindByID(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if len(final.DeliveryAttempts) != cfg.MaxRetryAttempts {
		t.Fatalf("DeliveryAttempts = %d, want %d", len(final.DeliveryAttempts), cfg.MaxRetryAttempts)
	}
	if final.NextRetryAt != nil || final.FailedAt == nil {
		t.Fatalf("final = %+v, want next_retry_at nil and failed_at set", final)
	}
	last := final.DeliveryAttempts[len(final.DeliveryAttempts)-1]
	if last.Success {
		t.Fatal("last attempt marked success, want failure")
	}
}

func TestDeliverRespectsOpenCircuit(t *testing.T) {
	var calls int32
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	s := openTestStore(t)
	e := insertEvent(t, s)

	cb := breaker.New(breaker.DefaultConfig())
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		cb.RecordFailure()
	}
	if cb.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want Open after threshold failures", cb.State())
	}

	w := New(s, cb, testConfig(downstream.URL), nil)
	w.drainClaims(context.Background())

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("downstream called %d times, want 0 while circuit is open", calls)
	}

	got, err := s.FindByID(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if len(got.DeliveryAttempts) != 0 {
		t.Fatalf("DeliveryAttempts = %v, want empty: circuit-open rejection must not consume an attempt", got.DeliveryAttempts)
	}
	if got.Status != webhook.StatusProcessing || got.NextRetryAt == nil {
		t.Fatalf("got = %+v, want PROCESSING with a rescheduled next_retry_at", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	s := openTestStore(t)
	w := New(s, breaker.New(breaker.DefaultConfig()), testConfig(downstream.URL), nil)

	w.Start(context.Background())
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
