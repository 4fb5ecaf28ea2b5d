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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"webhookflow/pkg/webhook"
)

const webhookColumns = `id, payload_json, status, received_at, event_type, idempotency_key, next_retry_at, delivered_at, failed_at, version`

// Insert persists a new event with status RECEIVED, version 1, and no
// attempts. Returns ErrDuplicateIdempotencyKey if the event's
// idempotency_key collides with an existing record.
func (s *Store) Insert(ctx context.Context, e *webhook.Event) error {
	const ins = `
INSERT INTO webhooks (id, payload_json, status, received_at, event_type, idempotency_key, next_retry_at, delivered_at, failed_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, ins,
		e.ID, string(e.Payload), string(e.Status), e.ReceivedAt.UTC(),
		nullableString(e.EventType), nullableString(e.IdempotencyKey),
		nullableTime(e.NextRetryAt), nullableTime(e.DeliveredAt), nullableTime(e.FailedAt),
		e.Version)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// FindByIdempotencyKey returns the event previously inserted with key, or
// ErrNotFound.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*webhook.Event, error) {
	const q = `SELECT ` + webhookColumns + ` FROM webhooks WHERE idempotency_key=?`
	return s.scanOneEvent(ctx, s.db, q, key)
}

// FindByID returns the event with the given id, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*webhook.Event, error) {
	const q = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id=?`
	return s.scanOneEvent(ctx, s.db, q, id)
}

// ClaimNext is the atomic compound primitive: it selects one record with
// status=RECEIVED or (status=PROCESSING and next_retry_at<=now), flips it
// to PROCESSING, bumps version, sets a provisional next_retry_at so a
// worker that dies mid-delivery doesn't leave the record claimable again
// until the delivery timeout elapses, and returns the post-update record.
// Returns ErrNotFound if nothing is eligible. The select-then-conditional-
// update-checking-affected-rows sequence inside one serializable
// transaction is what gives two concurrent callers disjoint results —
// there is no read-then-write window an application-level race could
// exploit.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, deliveryTimeout time.Duration) (*webhook.Event, error) {
	now = now.UTC()
	provisional := now.Add(deliveryTimeout)

	var claimed *webhook.Event
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT id FROM webhooks
WHERE status='RECEIVED' OR (status='PROCESSING' AND next_retry_at<=?)
ORDER BY received_at ASC LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select claimable webhook: %w", err)
		}

		const upd = `
UPDATE webhooks SET status='PROCESSING', version=version+1, next_retry_at=?
WHERE id=? AND (status='RECEIVED' OR (status='PROCESSING' AND next_retry_at<=?))`
		res, err := tx.ExecContext(ctx, upd, provisional, id, now)
		if err != nil {
			return fmt.Errorf("claim webhook: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		e, err := s.scanOneEvent(ctx, tx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=?`, id)
		if err != nil {
			return err
		}
		claimed = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered appends attempt, transitions the event to DELIVERED, sets
// delivered_at, clears next_retry_at, and bumps version.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempt webhook.Attempt, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, id, attempt); err != nil {
			return err
		}
		const upd = `
UPDATE webhooks SET status='DELIVERED', delivered_at=?, next_retry_at=NULL, version=version+1
WHERE id=?`
		_, err := tx.ExecContext(ctx, upd, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
}

// MarkFailedPermanent appends attempt, transitions the event to
// FAILED_PERMANENTLY, sets failed_at, clears next_retry_at, and bumps
// version.
func (s *Store) MarkFailedPermanent(ctx context.Context, id string, attempt webhook.Attempt, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, id, attempt); err != nil {
			return err
		}
		const upd = `
UPDATE webhooks SET status='FAILED_PERMANENTLY', failed_at=?, next_retry_at=NULL, version=version+1
WHERE id=?`
		_, err := tx.ExecContext(ctx, upd, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark failed permanent: %w", err)
		}
		return nil
	})
}

// ScheduleRetry appends attempt if non-nil and sets next_retry_at,
// bumping version. Status remains PROCESSING. attempt is nil when a
// circuit-open rejection reschedules the event without consuming an
// attempt.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempt *webhook.Attempt, nextRetryAt time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if attempt != nil {
			if err := insertAttempt(ctx, tx, id, *attempt); err != nil {
				return err
			}
		}
		const upd = `UPDATE webhooks SET next_retry_at=?, version=version+1 WHERE id=?`
		_, err := tx.ExecContext(ctx, upd, nextRetryAt.UTC(), id)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	})
}

// CountPending returns the number of events with status RECEIVED or
// PROCESSING, for the pending_events gauge.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM webhooks WHERE status IN ('RECEIVED','PROCESSING')`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, webhookID string, a webhook.Attempt) error {
	const ins = `
INSERT INTO webhook_attempts (webhook_id, attempt_number, timestamp, status_code, success, error_message, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	success := 0
	if a.Success {
		success = 1
	}
	_, err := tx.ExecContext(ctx, ins, webhookID, a.AttemptNumber, a.Timestamp.UTC(),
		nullableInt(a.StatusCode), success, nullableString(a.ErrorMessage), a.DurationMS)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func listAttempts(ctx context.Context, q querier, webhookID string) ([]webhook.Attempt, error) {
	const sel = `SELECT attempt_number, timestamp, status_code, success, error_message, duration_ms
FROM webhook_attempts WHERE webhook_id=? ORDER BY attempt_number ASC`
	rows, err := q.QueryContext(ctx, sel, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []webhook.Attempt
	for rows.Next() {
		var (
			attemptNumber int
			timestamp     time.Time
			statusCode    sql.NullInt64
			successInt    int
			errMsg        sql.NullString
			durationMS    int64
		)
		if err := rows.Scan(&attemptNumber, &timestamp, &statusCode, &successInt, &errMsg, &durationMS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, webhook.Attempt{
			AttemptNumber: attemptNumber,
			Timestamp:     timestamp.UTC(),
			StatusCode:    fromNullInt(statusCode),
			Success:       successInt != 0,
			ErrorMessage:  fromNullString(errMsg),
			DurationMS:    durationMS,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting scanOneEvent
// and listAttempts run either inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) scanOneEvent(ctx context.Context, q querier, query string, arg string) (*webhook.Event, error) {
	var (
		id, payloadJSON, status string
		receivedAt              time.Time
		eventType               sql.NullString
		idempotencyKey          sql.NullString
		nextRetryAt             sql.NullTime
		deliveredAt             sql.NullTime
		failedAt                sql.NullTime
		version                 int
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(
		&id, &payloadJSON, &status, &receivedAt, &eventType, &idempotencyKey,
		&nextRetryAt, &deliveredAt, &failedAt, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}

	attempts, err := listAttempts(ctx, q, id)
	if err != nil {
		return nil, err
	}

	return &webhook.Event{
		ID:               id,
		Payload:          []byte(payloadJSON),
		Status:           webhook.Status(status),
		ReceivedAt:       receivedAt.UTC(),
		EventType:        fromNullString(eventType),
		IdempotencyKey:   fromNullString(idempotencyKey),
		DeliveryAttempts: attempts,
		NextRetryAt:      fromNullTime(nextRetryAt),
		DeliveredAt:      fromNullTime(deliveredAt),
		FailedAt:         fromNullTime(failedAt),
		Version:          version,
	}, nil
}
