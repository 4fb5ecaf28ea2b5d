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

// Package store provides a SQLite-backed persistence layer for webhook
// events and their delivery attempts, including the atomic claim
// primitive the delivery worker relies on for multi-replica safety.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

const schemaVersionKey = "schema_version"

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey indicates an insert collided with an
	// existing event's idempotency_key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Store wraps a SQLite database connection and provides typed accessors
// over the webhooks and webhook_attempts tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is reachable, for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a serializable transaction, committing on
// success and rolling back (including on panic) on any error.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// migrateToV1 creates the webhooks/webhook_attempts tables. The unique
// partial index on idempotency_key is required to guarantee exactly-one
// persisted record under concurrent ingest of the same key.
func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
  id                TEXT PRIMARY KEY,
  payload_json      TEXT NOT NULL,
  status            TEXT NOT NULL CHECK (status IN ('RECEIVED','PROCESSING','DELIVERED','FAILED_PERMANENTLY')),
  received_at       TIMESTAMP NOT NULL,
  event_type        TEXT NULL,
  idempotency_key   TEXT NULL,
  next_retry_at     TIMESTAMP NULL,
  delivered_at      TIMESTAMP NULL,
  failed_at         TIMESTAMP NULL,
  version           INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_status ON webhooks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_received_at ON webhooks(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_event_type ON webhooks(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_status_next_retry ON webhooks(status, next_retry_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_webhooks_idempotency_key ON webhooks(idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
  webhook_id      TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
  attempt_number  INTEGER NOT NULL,
  timestamp       TIMESTAMP NOT NULL,
  status_code     INTEGER NULL,
  success         INTEGER NOT NULL,
  error_message   TEXT NULL,
  duration_ms     INTEGER NOT NULL,
  PRIMARY KEY (webhook_id, attempt_number)
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// isUniqueConstraintErr reports whether err is a SQLite unique-constraint
// violation, independent of which column it names — used to translate the
// idempotency_key index violation into ErrDuplicateIdempotencyKey without
// string-matching a driver-specific message anywhere else.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite wraps the underlying SQLite result code in its
	// error's Error() string; the reliable substring across driver
	// versions is "UNIQUE constraint failed".
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
