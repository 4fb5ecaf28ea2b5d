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

// Package ingest implements the HTTP entry point for posted webhooks:
// signature check, idempotency dedup, event-type extraction, and
// persistence. It never blocks on delivery.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"webhookflow/internal/metrics"
	"webhookflow/internal/signature"
	"webhookflow/internal/store"
	"webhookflow/pkg/webhook"
)

// Store is the persistence surface the handler needs.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*webhook.Event, error)
	Insert(ctx context.Context, e *webhook.Event) error
}

// Handler serves POST /webhooks/ingest.
type Handler struct {
	store  Store
	secret string
	now    func() time.Time
	log    *slog.Logger
}

// New constructs a Handler. now defaults to time.Now when nil, letting
// tests inject a fixed clock.
func New(st Store, secret string, log *slog.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: st, secret: secret, now: now, log: log}
}

type ingestResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	Message    string    `json:"message,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read_error", "could not read request body")
		return
	}

	sig := r.Header.Get("X-Signature")
	if err := signature.Validate(body, h.secret, sig); err != nil {
		h.log.Warn("ingest rejected: signature check failed", "error", err)
		writeJSONError(w, http.StatusUnauthorized, "invalid_signature", "signature missing or invalid")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "request body is not a valid JSON object")
		return
	}

	idempotencyKey := r.Header.Get("X-Idempotency-Key")
	if idempotencyKey != "" {
		existing, err := h.store.FindByIdempotencyKey(r.Context(), idempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.log.Error("ingest: idempotency lookup failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not process request")
			return
		}
		if err == nil {
			writeJSON(w, http.StatusOK, ingestResponse{
				ID:         existing.ID,
				Status:     string(existing.Status),
				ReceivedAt: existing.ReceivedAt,
				Message:    "duplicate event, returning prior record",
			})
			return
		}
	}

	eventType := webhook.ExtractEventType(payload)
	now := h.now().UTC()

	var idKeyPtr *string
	if idempotencyKey != "" {
		idKeyPtr = &idempotencyKey
	}

	e := &webhook.Event{
		ID:             uuid.NewString(),
		Payload:        body,
		Status:         webhook.StatusReceived,
		ReceivedAt:     now,
		EventType:      eventType,
		IdempotencyKey: idKeyPtr,
		Version:        1,
	}

	if err := h.store.Insert(r.Context(), e); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, lookupErr := h.store.FindByIdempotencyKey(r.Context(), idempotencyKey)
			if lookupErr == nil {
				writeJSON(w, http.StatusOK, ingestResponse{
					ID:         existing.ID,
					Status:     string(existing.Status),
					ReceivedAt: existing.ReceivedAt,
					Message:    "duplicate event, returning prior record",
				})
				return
			}
		}
		h.log.Error("ingest: insert failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not process request")
		return
	}

	metrics.IncEventsReceived(e.EventTypeOrUnknown())

	writeJSON(w, http.StatusOK, ingestResponse{
		ID:         e.ID,
		Status:     string(e.Status),
		ReceivedAt: e.ReceivedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
