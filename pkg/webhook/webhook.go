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

// Package webhook holds the domain types shared by the store, the ingest
// handler and the delivery worker.
package webhook

import "time"

// Status is the lifecycle state of an Event.
type Status string

const (
	StatusReceived          Status = "RECEIVED"
	StatusProcessing        Status = "PROCESSING"
	StatusDelivered         Status = "DELIVERED"
	StatusFailedPermanently Status = "FAILED_PERMANENTLY"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusDelivered, StatusFailedPermanently:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a terminal state that no event ever leaves.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailedPermanently
}

// Attempt is an immutable record of one delivery try.
type Attempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	StatusCode    *int      `json:"status_code"`
	Success       bool      `json:"success"`
	ErrorMessage  *string   `json:"error_message"`
	DurationMS    int64     `json:"duration_ms"`
}

// Event is one persisted record per ingested webhook.
type Event struct {
	ID                string     `json:"id"`
	Payload           []byte     `json:"payload"`
	Status            Status     `json:"status"`
	ReceivedAt        time.Time  `json:"received_at"`
	EventType         *string    `json:"event_type"`
	IdempotencyKey    *string    `json:"idempotency_key"`
	DeliveryAttempts  []Attempt  `json:"delivery_attempts"`
	NextRetryAt       *time.Time `json:"next_retry_at"`
	DeliveredAt       *time.Time `json:"delivered_at"`
	FailedAt          *time.Time `json:"failed_at"`
	Version           int        `json:"version"`
}

// EventTypeOrUnknown returns EventType dereferenced, or "unknown" when nil —
// the label value used by every event_type-keyed metric.
func (e *Event) EventTypeOrUnknown() string {
	if e.EventType == nil || *e.EventType == "" {
		return "unknown"
	}
	return *e.EventType
}

// ExtractEventType applies the first-present rule over payload keys
// event_type, type, event.
func ExtractEventType(payload map[string]any) *string {
	for _, key := range []string{"event_type", "type", "event"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return &s
			}
		}
	}
	return nil
}

// StrPtr and IntPtr are small helpers for building Attempt/Event literals
// without a local variable at every call site.
func StrPtr(s string) *string { return &s }
func IntPtr(i int) *int       { return &i }
