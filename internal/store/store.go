// Package store is the persistent store gateway (C1): typed repositories
// over the core tables, transactional boundaries, and the advisory
// incident lock that serializes concurrent domain handlers touching the
// same incident.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/protectogram/panic-core/internal/otel"
)

// ErrContention is returned when the advisory incident lock could not be
// acquired within the retry window. Callers surface it as a "retry"
// signal per spec §7; webhook handlers still reply 200 but enqueue a
// follow-up scheduled action to reconcile.
var ErrContention = errors.New("store: incident lock contention")

// ErrNotFound mirrors sql.ErrNoRows at the repository boundary so callers
// outside this package don't need to import database/sql.
var ErrNotFound = sql.ErrNoRows

const (
	advisoryLockPollInterval = 50 * time.Millisecond
	advisoryLockMaxWait      = 2 * time.Second
)

// Store wraps the database connection pool and exposes repository methods.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *otel.Metrics
}

// SetMetrics wires the otel instruments recorded by WithIncidentLock.
// Optional; a Store with no metrics set just skips recording.
func (s *Store) SetMetrics(metrics *otel.Metrics) {
	s.metrics = metrics
}

// Open connects to Postgres at dsn and runs schema migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ready reports whether the store can serve requests, for GET /health/ready.
func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// WithIncidentLock acquires the advisory lock for incidentID and runs fn
// inside a single transaction. The lock is held for the duration of that
// transaction only (pg_try_advisory_xact_lock releases automatically at
// commit or rollback) — handlers must not invoke provider calls inside fn.
// Acquisition is non-blocking, polled for up to advisoryLockMaxWait; on
// timeout it returns ErrContention without attempting fn.
func (s *Store) WithIncidentLock(ctx context.Context, incidentID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin incident lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := advisoryLockKey(incidentID)
	deadline := time.Now().Add(advisoryLockMaxWait)
	acquired := false
	for {
		var ok bool
		if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&ok); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		if s.metrics != nil {
			s.metrics.ContentionRetries.Add(ctx, 1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(advisoryLockPollInterval):
		}
	}
	if !acquired {
		return ErrContention
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit incident lock tx: %w", err)
	}
	return nil
}

// advisoryLockKey derives a stable bigint lock key from an incident id.
func advisoryLockKey(incidentID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("incident:" + incidentID))
	return int64(h.Sum64())
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Info("store: migration applied", "version", m.version)
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

// migrations are applied linearly, in order, exactly once. The schema is
// the contract between versions; later versions only add, matching the
// core's "migrations are versioned linearly" external interface note.
var migrations = []migration{
	{version: 1, sql: schemaV1},
}

const schemaV1 = `
CREATE TABLE users (
	id UUID PRIMARY KEY,
	chat_user_id BIGINT UNIQUE,
	phone_e164 TEXT,
	display_name TEXT NOT NULL DEFAULT '',
	locale TEXT NOT NULL DEFAULT 'ru-RU',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE guardian_links (
	id UUID PRIMARY KEY,
	traveler_id UUID NOT NULL REFERENCES users(id),
	watcher_id UUID NOT NULL REFERENCES users(id),
	priority_rank INTEGER NOT NULL CHECK (priority_rank >= 1),
	ring_timeout_seconds INTEGER NOT NULL DEFAULT 25,
	max_retries INTEGER NOT NULL DEFAULT 2,
	retry_backoff_seconds INTEGER NOT NULL DEFAULT 60,
	total_ring_cap_seconds INTEGER NOT NULL DEFAULT 180,
	chat_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	call_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	status TEXT NOT NULL CHECK (status IN ('active','revoked')) DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (traveler_id, watcher_id)
);
CREATE INDEX idx_guardian_links_traveler ON guardian_links(traveler_id, status);

CREATE TABLE incidents (
	id UUID PRIMARY KEY,
	traveler_id UUID NOT NULL REFERENCES users(id),
	status TEXT NOT NULL CHECK (status IN ('open','acknowledged','canceled','exhausted')) DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	acknowledged_at TIMESTAMPTZ,
	acknowledged_by_user_id UUID,
	canceled_at TIMESTAMPTZ
);
CREATE INDEX idx_incidents_traveler_status ON incidents(traveler_id, status);

CREATE TABLE alerts (
	id UUID PRIMARY KEY,
	incident_id UUID NOT NULL REFERENCES incidents(id),
	audience_user_id UUID NOT NULL REFERENCES users(id),
	channel TEXT NOT NULL CHECK (channel IN ('chat','voice')),
	status TEXT NOT NULL CHECK (status IN ('pending','sent','delivered','failed','halted')) DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (incident_id, audience_user_id, channel)
);

CREATE TABLE call_attempts (
	id UUID PRIMARY KEY,
	alert_id UUID NOT NULL REFERENCES alerts(id),
	provider_call_id TEXT,
	attempt_number INTEGER NOT NULL,
	result TEXT NOT NULL CHECK (result IN (
		'pending','ringing','answered-human','answered-machine',
		'no-answer','busy','failed','acknowledged'
	)) DEFAULT 'pending',
	dtmf_received TEXT,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at TIMESTAMPTZ,
	error_code TEXT,
	UNIQUE (alert_id, attempt_number)
);
CREATE UNIQUE INDEX idx_call_attempts_one_pending ON call_attempts(alert_id) WHERE result = 'pending';

CREATE TABLE inbox_events (
	id UUID PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload JSONB NOT NULL,
	processed_at TIMESTAMPTZ,
	UNIQUE (provider, provider_event_id)
);
CREATE INDEX idx_inbox_events_unprocessed ON inbox_events(received_at) WHERE processed_at IS NULL;

CREATE TABLE outbox_messages (
	id UUID PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	channel TEXT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','sent','failed')) DEFAULT 'pending',
	provider_message_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE scheduled_actions (
	id UUID PRIMARY KEY,
	incident_id UUID NOT NULL REFERENCES incidents(id),
	action_type TEXT NOT NULL,
	run_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('scheduled','running','done','canceled','failed')) DEFAULT 'scheduled',
	payload JSONB NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX idx_scheduled_actions_due ON scheduled_actions(run_at) WHERE state = 'scheduled';
CREATE INDEX idx_scheduled_actions_incident ON scheduled_actions(incident_id);

CREATE TABLE audit_log (
	id BIGSERIAL PRIMARY KEY,
	incident_id UUID,
	action TEXT NOT NULL,
	subject TEXT,
	outcome TEXT NOT NULL,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
