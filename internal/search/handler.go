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

// Package search serves the read-side HTTP surface over persisted
// events: filtered/paginated search, aggregate counts, and lookup by id.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"webhookflow/internal/store"
	"webhookflow/pkg/webhook"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Search(ctx context.Context, filter store.SearchFilter, page store.Pagination) ([]*webhook.Event, int, error)
	Aggregate(ctx context.Context, filter store.SearchFilter) (*store.Aggregations, error)
	FindByID(ctx context.Context, id string) (*webhook.Event, error)
}

// Handler serves POST /webhooks/search and GET /webhooks/{id}.
type Handler struct {
	store Store
	log   *slog.Logger
}

// New constructs a Handler. log defaults to slog.Default when nil.
func New(st Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: st, log: log}
}

type searchRequest struct {
	Status              string  `json:"status"`
	EventType           string  `json:"event_type"`
	FromDate            *string `json:"from_date"`
	ToDate              *string `json:"to_date"`
	SearchQuery         string  `json:"search_query"`
	Skip                int     `json:"skip"`
	Limit               int     `json:"limit"`
	IncludeAggregations bool    `json:"include_aggregations"`
}

type searchResponse struct {
	Events       []eventView        `json:"events,omitempty"`
	Total        int                `json:"total,omitempty"`
	Aggregations *aggregationsView  `json:"aggregations,omitempty"`
}

type eventView struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	EventType        string            `json:"event_type,omitempty"`
	ReceivedAt       time.Time         `json:"received_at"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	DeliveryAttempts []webhook.Attempt `json:"delivery_attempts"`
	Version          int               `json:"version"`
}

type aggregationsView struct {
	ByStatus    map[string]int        `json:"by_status"`
	ByEventType map[string]int        `json:"by_event_type"`
	Hourly      []store.HourlyBucket  `json:"hourly"`
}

func toEventView(e *webhook.Event) eventView {
	return eventView{
		ID:               e.ID,
		Status:           string(e.Status),
		EventType:        e.EventTypeOrUnknown(),
		ReceivedAt:       e.ReceivedAt,
		DeliveredAt:      e.DeliveredAt,
		FailedAt:         e.FailedAt,
		DeliveryAttempts: e.DeliveryAttempts,
		Version:          e.Version,
	}
}

func (h *Handler) buildFilter(req searchRequest) (store.SearchFilter, error) {
	var filter store.SearchFilter

	if req.Status != "" {
		st := webhook.Status(req.Status)
		if !st.Valid() {
			return filter, errors.New("status is not a recognized value")
		}
		filter.Status = &st
	}
	if req.EventType != "" {
		filter.EventType = &req.EventType
	}
	if req.FromDate != nil {
		t, err := time.Parse(time.RFC3339, *req.FromDate)
		if err != nil {
			return filter, errors.New("from_date must be RFC3339")
		}
		filter.FromDate = &t
	}
	if req.ToDate != nil {
		t, err := time.Parse(time.RFC3339, *req.ToDate)
		if err != nil {
			return filter, errors.New("to_date must be RFC3339")
		}
		filter.ToDate = &t
	}
	if req.SearchQuery != "" {
		filter.SearchQuery = &req.SearchQuery
	}
	return filter, nil
}

// ServeSearch handles POST /webhooks/search.
func (h *Handler) ServeSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req searchRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid_json", "request body is not a valid JSON object")
			return
		}
	}

	filter, err := h.buildFilter(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	if req.IncludeAggregations {
		agg, err := h.store.Aggregate(r.Context(), filter)
		if err != nil {
			h.log.Error("search: aggregate failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not process request")
			return
		}
		writeJSON(w, http.StatusOK, searchResponse{
			Aggregations: &aggregationsView{ByStatus: agg.ByStatus, ByEventType: agg.ByEventType, Hourly: agg.Hourly},
		})
		return
	}

	page := store.Pagination{Skip: req.Skip, Limit: req.Limit}
	events, total, err := h.store.Search(r.Context(), filter, page)
	if err != nil {
		h.log.Error("search: query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not process request")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	writeJSON(w, http.StatusOK, searchResponse{Events: views, Total: total})
}

// ServeGetByID handles GET /webhooks/{id}.
func (h *Handler) ServeGetByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusBadRequest, "invalid_id", "missing or malformed event id")
		return
	}

	e, err := h.store.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no event with that id")
		return
	}
	if err != nil {
		h.log.Error("search: lookup failed", "event_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not process request")
		return
	}

	writeJSON(w, http.StatusOK, toEventView(e))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
