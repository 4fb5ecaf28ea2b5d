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

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"webhookflow/pkg/webhook"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhookflow.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEvent(idempotencyKey *string) *webhook.Event {
	return &webhook.Event{
		ID:               uuid.NewString(),
		Payload:          []byte(`{"event_type":"order.created"}`),
		Status:           webhook.StatusReceived,
		ReceivedAt:       time.Now().UTC(),
		EventType:        webhook.StrPtr("order.created"),
		IdempotencyKey:   idempotencyKey,
		DeliveryAttempts: nil,
		Version:          1,
	}
}

func TestInsertAndFindByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := newEvent(nil)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() = %v", err)
	}

	got, err := s.FindByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if got.Status != webhook.StatusReceived || got.Version != 1 {
		t.Fatalf("got = %+v, want RECEIVED/version 1", got)
	}
	if len(got.DeliveryAttempts) != 0 {
		t.Fatalf("DeliveryAttempts = %v, want empty", got.DeliveryAttempts)
	}
}

func TestInsertDuplicateIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := "order-123"
	a := newEvent(&key)
	b := newEvent(&key)

	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert(a) = %v", err)
	}
	err := s.Insert(ctx, b)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("Insert(b) = %v, want ErrDuplicateIdempotencyKey", err)
	}

	found, err := s.FindByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("FindByIdempotencyKey() = %v", err)
	}
	if found.ID != a.ID {
		t.Fatalf("found.ID = %q, want %q", found.ID, a.ID)
	}
}

func TestClaimNextLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := newEvent(nil)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() = %v", err)
	}

	claimed, err := s.ClaimNext(ctx, now, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext() = %v", err)
	}
	if claimed.ID != e.ID || claimed.Status != webhook.StatusProcessing || claimed.Version != 2 {
		t.Fatalf("claimed = %+v, want PROCESSING/version 2", claimed)
	}
	if claimed.NextRetryAt == nil {
		t.Fatal("NextRetryAt = nil, want provisional deadline set on claim")
	}

	if _, err := s.ClaimNext(ctx, now, 30*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second ClaimNext() = %v, want ErrNotFound", err)
	}

	attempt := webhook.Attempt{
		AttemptNumber: 1,
		Timestamp:     now,
		StatusCode:    webhook.IntPtr(200),
		Success:       true,
		DurationMS:    12,
	}
	if err := s.MarkDelivered(ctx, e.ID, attempt, now); err != nil {
		t.Fatalf("MarkDelivered() = %v", err)
	}

	final, err := s.FindByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if final.Status != webhook.StatusDelivered || final.NextRetryAt != nil || final.DeliveredAt == nil {
		t.Fatalf("final = %+v, want DELIVERED with next_retry_at cleared", final)
	}
	if len(final.DeliveryAttempts) != 1 || final.DeliveryAttempts[0].AttemptNumber != 1 {
		t.Fatalf("DeliveryAttempts = %+v, want one attempt numbered 1", final.DeliveryAttempts)
	}
}

func TestClaimNextConcurrentDisjoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 20
	for i := 0; i < n; i++ {
		if err := s.Insert(ctx, newEvent(nil)); err != nil {
			t.Fatalf("Insert() = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)

	worker := func() {
		defer wg.Done()
		for {
			e, err := s.ClaimNext(ctx, now, 30*time.Second)
			if errors.Is(err, ErrNotFound) {
				return
			}
			if err != nil {
				t.Errorf("ClaimNext() = %v", err)
				return
			}
			mu.Lock()
			seen[e.ID]++
			mu.Unlock()
		}
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go worker()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("claimed %d distinct events, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("event %s claimed %d times, want exactly once", id, count)
		}
	}
}

func TestAggregateHourlyBucketing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := newEvent(nil)
		e.ReceivedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert() = %v", err)
		}
	}
	e := newEvent(nil)
	e.ReceivedAt = base.Add(time.Hour)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() = %v", err)
	}

	agg, err := s.Aggregate(ctx, SearchFilter{})
	if err != nil {
		t.Fatalf("Aggregate() = %v", err)
	}

	want := map[string]int{
		"2026-01-01T10:00:00Z": 3,
		"2026-01-01T11:00:00Z": 1,
	}
	got := make(map[string]int)
	for _, b := range agg.Hourly {
		got[b.Hour] = b.Count
	}
	for hour, count := range want {
		if got[hour] != count {
			t.Fatalf("hour %s = %d, want %d (all: %v)", hour, got[hour], count, got)
		}
	}
}

func TestScheduleRetryWithoutAttemptDoesNotAdvanceAttemptCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := newEvent(nil)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() = %v", err)
	}
	if _, err := s.ClaimNext(ctx, now, 30*time.Second); err != nil {
		t.Fatalf("ClaimNext() = %v", err)
	}

	// circuit-open rejection: reschedule with no attempt appended
	if err := s.ScheduleRetry(ctx, e.ID, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("ScheduleRetry() = %v", err)
	}

	got, err := s.FindByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("FindByID() = %v", err)
	}
	if len(got.DeliveryAttempts) != 0 {
		t.Fatalf("DeliveryAttempts = %v, want still empty after a no-attempt reschedule", got.DeliveryAttempts)
	}
	if got.Status != webhook.StatusProcessing {
		t.Fatalf("Status = %v, want still PROCESSING", got.Status)
	}
}

func TestSearchPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := newEvent(nil)
		e.ID = fmt.Sprintf("evt-%02d", i)
		e.ReceivedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert() = %v", err)
		}
	}

	events, total, err := s.Search(ctx, SearchFilter{}, Pagination{Skip: 0, Limit: 2})
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != "evt-04" {
		t.Fatalf("events[0].ID = %q, want newest first (evt-04)", events[0].ID)
	}
}
