package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateCallAttempt inserts attempt number n for an alert in status=pending.
// The partial unique index on (alert_id) WHERE result='pending' enforces
// spec §3's "at most one attempt with result=pending per alert" invariant
// at the database layer; a violation here is a programming error, not a
// race, because call attempts are only ever created under the incident lock.
func (s *Store) CreateCallAttempt(ctx context.Context, tx *sql.Tx, alertID string, attemptNumber int) (CallAttempt, error) {
	ca := CallAttempt{
		ID:            uuid.NewString(),
		AlertID:       alertID,
		AttemptNumber: attemptNumber,
		Result:        CallPending,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO call_attempts (id, alert_id, attempt_number, result)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at
	`, ca.ID, ca.AlertID, ca.AttemptNumber, ca.Result).Scan(&ca.StartedAt)
	if err != nil {
		return CallAttempt{}, fmt.Errorf("create call attempt: %w", err)
	}
	return ca, nil
}

// SetCallAttemptProviderID records the provider's call id once placed.
func (s *Store) SetCallAttemptProviderID(ctx context.Context, tx *sql.Tx, attemptID, providerCallID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE call_attempts SET provider_call_id = $1 WHERE id = $2
	`, providerCallID, attemptID)
	if err != nil {
		return fmt.Errorf("set call attempt provider id: %w", err)
	}
	return nil
}

// GetPendingCallAttempt returns the single pending attempt for an alert,
// if any (ErrNotFound otherwise).
func (s *Store) GetPendingCallAttempt(ctx context.Context, tx execTx, alertID string) (CallAttempt, error) {
	return scanCallAttempt(tx.QueryRowContext(ctx, callAttemptSelect+`
		WHERE alert_id = $1 AND result = $2
	`, alertID, CallPending))
}

// GetCallAttemptByProviderCallID resolves an attempt from a voice webhook
// that identifies the call by the provider's call id.
func (s *Store) GetCallAttemptByProviderCallID(ctx context.Context, providerCallID string) (CallAttempt, error) {
	return scanCallAttempt(s.db.QueryRowContext(ctx, callAttemptSelect+`
		WHERE provider_call_id = $1
	`, providerCallID))
}

// AttemptCountForAlert returns how many call attempts exist for an alert.
func (s *Store) AttemptCountForAlert(ctx context.Context, tx execTx, alertID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM call_attempts WHERE alert_id = $1`, alertID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count call attempts: %w", err)
	}
	return n, nil
}

// TransitionCallAttempt records a terminal or intermediate result for an
// attempt, guarded to only apply from pending so a late-arriving duplicate
// webhook delivery cannot overwrite an already-terminal attempt.
func (s *Store) TransitionCallAttempt(ctx context.Context, tx *sql.Tx, attemptID string, result CallResult, dtmf, errorCode *string) (bool, error) {
	var res sql.Result
	var err error
	if result.IsTerminal() {
		res, err = tx.ExecContext(ctx, `
			UPDATE call_attempts
			SET result = $1, dtmf_received = COALESCE($2, dtmf_received), error_code = $3, ended_at = now()
			WHERE id = $4 AND result = $5
		`, result, dtmf, errorCode, attemptID, CallPending)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE call_attempts
			SET result = $1, dtmf_received = COALESCE($2, dtmf_received)
			WHERE id = $3 AND result IN ($4, $5)
		`, result, dtmf, attemptID, CallPending, CallRinging)
	}
	if err != nil {
		return false, fmt.Errorf("transition call attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// execTx is satisfied by both *sql.DB and *sql.Tx for read-only helpers
// that are useful both inside and outside the incident lock.
type execTx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const callAttemptSelect = `
	SELECT id, alert_id, provider_call_id, attempt_number, result, dtmf_received, started_at, ended_at, error_code
	FROM call_attempts`

func scanCallAttempt(row *sql.Row) (CallAttempt, error) {
	var ca CallAttempt
	err := row.Scan(&ca.ID, &ca.AlertID, &ca.ProviderCallID, &ca.AttemptNumber, &ca.Result,
		&ca.DTMFReceived, &ca.StartedAt, &ca.EndedAt, &ca.ErrorCode)
	if err != nil {
		return CallAttempt{}, err
	}
	return ca, nil
}
