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
	"fmt"
	"strings"
	"time"

	"webhookflow/pkg/webhook"
)

// SearchFilter narrows the set of events returned by Search and Aggregate.
type SearchFilter struct {
	Status    *webhook.Status
	EventType *string
	FromDate  *time.Time
	ToDate    *time.Time

	// SearchQuery, when set, restricts results to events whose stored
	// payload contains this substring (case-insensitive). It is a
	// routine LIKE filter over payload_json, not full-text search.
	SearchQuery *string
}

// Pagination bounds a Search result page.
type Pagination struct {
	Skip  int
	Limit int
}

// Aggregations groups counts over the events matched by a filter.
type Aggregations struct {
	ByStatus    map[string]int
	ByEventType map[string]int
	Hourly      []HourlyBucket
}

// HourlyBucket is one point in the received_at histogram, keyed by the
// hour truncated and formatted YYYY-MM-DDTHH:00:00Z.
type HourlyBucket struct {
	Hour  string
	Count int
}

func (f SearchFilter) where() (string, []any) {
	var clauses []string
	var args []any

	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, string(*f.Status))
	}
	if f.EventType != nil {
		clauses = append(clauses, "event_type=?")
		args = append(args, *f.EventType)
	}
	if f.FromDate != nil {
		clauses = append(clauses, "received_at>=?")
		args = append(args, f.FromDate.UTC())
	}
	if f.ToDate != nil {
		clauses = append(clauses, "received_at<=?")
		args = append(args, f.ToDate.UTC())
	}
	if f.SearchQuery != nil && *f.SearchQuery != "" {
		clauses = append(clauses, "payload_json LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(*f.SearchQuery)+"%")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Search returns events matching filter, newest first, windowed by
// pagination, plus the total count ignoring pagination.
func (s *Store) Search(ctx context.Context, filter SearchFilter, page Pagination) ([]*webhook.Event, int, error) {
	whereClause, args := filter.where()

	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM webhooks %s`, whereClause)
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	listQ := fmt.Sprintf(`SELECT id FROM webhooks %s ORDER BY received_at DESC LIMIT ? OFFSET ?`, whereClause)
	listArgs := append(append([]any{}, args...), limit, page.Skip)

	rows, err := s.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search webhooks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan search id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate search ids: %w", err)
	}
	rows.Close()

	events := make([]*webhook.Event, 0, len(ids))
	for _, id := range ids {
		e, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, nil
}

// Aggregate groups the events matched by filter by status, by event
// type, and by the hour their received_at falls in.
func (s *Store) Aggregate(ctx context.Context, filter SearchFilter) (*Aggregations, error) {
	whereClause, args := filter.where()

	byStatus, err := s.groupCount(ctx, "status", whereClause, args)
	if err != nil {
		return nil, err
	}
	byEventType, err := s.groupCount(ctx, "COALESCE(event_type, 'unknown')", whereClause, args)
	if err != nil {
		return nil, err
	}

	hourExpr := `strftime('%Y-%m-%dT%H:00:00Z', received_at)`
	q := fmt.Sprintf(`SELECT %s AS hour, COUNT(*) FROM webhooks %s GROUP BY hour ORDER BY hour ASC`, hourExpr, whereClause)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate hourly: %w", err)
	}
	defer rows.Close()

	var hourly []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, fmt.Errorf("scan hourly bucket: %w", err)
		}
		hourly = append(hourly, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly buckets: %w", err)
	}

	return &Aggregations{ByStatus: byStatus, ByEventType: byEventType, Hourly: hourly}, nil
}

// escapeLike escapes the LIKE wildcard characters so a user-supplied
// search_query is matched literally rather than as a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func (s *Store) groupCount(ctx context.Context, groupExpr, whereClause string, args []any) (map[string]int, error) {
	q := fmt.Sprintf(`SELECT %s AS k, COUNT(*) FROM webhooks %s GROUP BY k`, groupExpr, whereClause)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group counts: %w", err)
	}
	return out, nil
}
