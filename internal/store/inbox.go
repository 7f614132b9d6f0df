package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RecordInbox implements C2's record contract: a fresh recording inserts
// the row and returns fresh=true; a unique-violation on (provider,
// provider_event_id) returns fresh=false without error. It runs in its
// own transaction, separate from the domain handler's, per spec §4.2 —
// that separation is what lets a late-committing handler still mark
// processed_at without re-running the insert.
func (s *Store) RecordInbox(ctx context.Context, provider, providerEventID string, payload []byte) (InboxEvent, bool, error) {
	ev := InboxEvent{
		ID:              uuid.NewString(),
		Provider:        provider,
		ProviderEventID: providerEventID,
		Payload:         payload,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO inbox_events (id, provider, provider_event_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING received_at
	`, ev.ID, ev.Provider, ev.ProviderEventID, ev.Payload).Scan(&ev.ReceivedAt)
	if err == nil {
		return ev, true, nil
	}
	if isUniqueViolation(err) {
		existing, getErr := s.GetInboxEvent(ctx, provider, providerEventID)
		if getErr != nil {
			return InboxEvent{}, false, fmt.Errorf("fetch duplicate inbox event: %w", getErr)
		}
		return existing, false, nil
	}
	return InboxEvent{}, false, fmt.Errorf("record inbox event: %w", err)
}

// GetInboxEvent fetches an inbox row by its natural key.
func (s *Store) GetInboxEvent(ctx context.Context, provider, providerEventID string) (InboxEvent, error) {
	var ev InboxEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_event_id, received_at, payload, processed_at
		FROM inbox_events WHERE provider = $1 AND provider_event_id = $2
	`, provider, providerEventID).Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.ReceivedAt, &ev.Payload, &ev.ProcessedAt)
	if err != nil {
		return InboxEvent{}, err
	}
	return ev, nil
}

// MarkInboxProcessed sets processed_at after the domain handler commits
// successfully. Called from the handler's own transaction boundary — the
// separate-transaction design means this can run even if the handler
// retried the domain effects multiple times before succeeding.
func (s *Store) MarkInboxProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox_events SET processed_at = now() WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	return nil
}

// StuckInboxEvents returns unprocessed events older than olderThan, for
// the background reconciliation sweep spec §4.2 calls for.
func (s *Store) StuckInboxEvents(ctx context.Context, olderThan time.Duration, limit int) ([]InboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, provider_event_id, received_at, payload, processed_at
		FROM inbox_events
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck inbox events: %w", err)
	}
	defer rows.Close()

	var out []InboxEvent
	for rows.Next() {
		var ev InboxEvent
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.ReceivedAt, &ev.Payload, &ev.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
