package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// EnqueueOutbox implements step 1 of C3's send contract: insert
// (idempotency-key, channel, payload, status=pending), collapsing to the
// existing row on a duplicate idempotency key via `ON CONFLICT ... DO
// UPDATE ... RETURNING`, the same idiom GetOrCreateAlert uses
// (internal/store/alerts.go). This is a DB mutation and therefore runs
// inside the incident lock transaction; the actual provider call
// (DispatchOutbox) happens after commit, per spec §5.
//
// A plain insert-then-recover-on-unique-violation doesn't work here: the
// failed INSERT aborts the enclosing Postgres transaction (25P02), so a
// follow-up SELECT on the same tx would itself fail with "current
// transaction is aborted" instead of returning the stored row.
func (s *Store) EnqueueOutbox(ctx context.Context, tx *sql.Tx, idempotencyKey, channel string, payload []byte) (OutboxMessage, error) {
	id := uuid.NewString()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO outbox_messages (id, idempotency_key, channel, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING id, idempotency_key, channel, payload, status, provider_message_id, created_at, updated_at
	`, id, idempotencyKey, channel, payload, OutboxPending)
	msg, err := scanOutbox(row)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

// GetOutboxByKey fetches an outbox row by idempotency key using the pool.
func (s *Store) GetOutboxByKey(ctx context.Context, idempotencyKey string) (OutboxMessage, error) {
	return scanOutbox(s.db.QueryRowContext(ctx, outboxSelect+` WHERE idempotency_key = $1`, idempotencyKey))
}

// MarkOutboxSent records a successful provider call, step 2 of the send
// contract. Runs outside the incident lock, against the pool directly.
func (s *Store) MarkOutboxSent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, provider_message_id = $2, updated_at = now()
		WHERE id = $3 AND status != $1
	`, OutboxSent, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkOutboxFailed records a failed provider call with a retry-eligible
// error classification left to the caller (the scheduler decides retry
// eligibility from the error, not this layer).
func (s *Store) MarkOutboxFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status = $1, updated_at = now() WHERE id = $2
	`, OutboxFailed, id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

const outboxSelect = `
	SELECT id, idempotency_key, channel, payload, status, provider_message_id, created_at, updated_at
	FROM outbox_messages`

func scanOutbox(row *sql.Row) (OutboxMessage, error) {
	var m OutboxMessage
	err := row.Scan(&m.ID, &m.IdempotencyKey, &m.Channel, &m.Payload, &m.Status, &m.ProviderMessageID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return OutboxMessage{}, err
	}
	return m, nil
}
