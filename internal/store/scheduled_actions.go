package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleAction inserts a scheduled action under the incident lock —
// cascade seeding and retry scheduling are DB mutations that must be
// serialized with acknowledgment/cancellation for the same incident.
func (s *Store) ScheduleAction(ctx context.Context, tx *sql.Tx, incidentID, actionType string, runAt time.Time, payload []byte) (ScheduledAction, error) {
	sa := ScheduledAction{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		ActionType: actionType,
		RunAt:      runAt,
		State:      ActionScheduled,
		Payload:    payload,
	}
	if sa.Payload == nil {
		sa.Payload = []byte("{}")
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO scheduled_actions (id, incident_id, action_type, run_at, state, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, sa.ID, sa.IncidentID, sa.ActionType, sa.RunAt, sa.State, sa.Payload).Scan(&sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return ScheduledAction{}, fmt.Errorf("schedule action: %w", err)
	}
	return sa, nil
}

// ClaimDueActions claims up to limit due, scheduled rows for owner using
// SELECT ... FOR UPDATE SKIP LOCKED, transitioning them to running and
// stamping a lease, per spec §4.4's poll step. Grounded in the teacher's
// claimNextPendingTask, generalized from a single-row SQLite busy-retry
// claim to a Postgres row-skipping batch claim.
func (s *Store) ClaimDueActions(ctx context.Context, owner string, leaseFor time.Duration, limit int) ([]ScheduledAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM scheduled_actions
		WHERE state = $1 AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, ActionScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("select due actions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leaseExpiry := time.Now().Add(leaseFor)
	claimed := make([]ScheduledAction, 0, len(ids))
	for _, id := range ids {
		sa, err := scanScheduledAction(tx.QueryRowContext(ctx, `
			UPDATE scheduled_actions
			SET state = $1, lease_owner = $2, lease_expires_at = $3, updated_at = now()
			WHERE id = $4
			RETURNING `+scheduledActionColumns, ActionRunning, owner, leaseExpiry, id))
		if err != nil {
			return nil, fmt.Errorf("claim action %s: %w", id, err)
		}
		claimed = append(claimed, sa)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// HeartbeatLease extends the lease on a still-running action, letting a
// long handler avoid losing its claim to the expiry sweep.
func (s *Store) HeartbeatLease(ctx context.Context, id, owner string, leaseFor time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET lease_expires_at = $1, updated_at = now()
		WHERE id = $2 AND lease_owner = $3 AND state = $4
	`, time.Now().Add(leaseFor), id, owner, ActionRunning)
	if err != nil {
		return fmt.Errorf("heartbeat lease: %w", err)
	}
	return nil
}

// CompleteAction transitions a running action to done.
func (s *Store) CompleteAction(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET state = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $2 AND lease_owner = $3
	`, ActionDone, id, owner)
	if err != nil {
		return fmt.Errorf("complete action: %w", err)
	}
	return nil
}

// FailAction increments the attempts counter and either reschedules at
// nextRunAt (state back to scheduled) or marks the action permanently
// failed once attempts reach the ceiling, mirroring the teacher's
// HandleTaskFailure retry/dead-letter split.
func (s *Store) FailAction(ctx context.Context, id, owner string, nextRunAt *time.Time) error {
	if nextRunAt != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_actions
			SET state = $1, run_at = $2, attempts = attempts + 1,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE id = $3 AND lease_owner = $4
		`, ActionScheduled, *nextRunAt, id, owner)
		if err != nil {
			return fmt.Errorf("reschedule action: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET state = $1, attempts = attempts + 1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $2 AND lease_owner = $3
	`, ActionFailed, id, owner)
	if err != nil {
		return fmt.Errorf("fail action: %w", err)
	}
	return nil
}

// RequeueExpiredLeases reclaims running actions whose lease has expired —
// the runner that held them died mid-handler. Grounded directly in the
// teacher's RequeueExpiredLeases; called periodically by the scheduler
// loop as its crash-recovery sweep (supplemented feature, see DESIGN.md).
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET state = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE state = $2 AND lease_expires_at < now()
	`, ActionScheduled, ActionRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

// PendingActionCount reports the number of scheduled actions awaiting a
// claim, for GET /metrics exposition.
func (s *Store) PendingActionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM scheduled_actions WHERE state = $1`, ActionScheduled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending actions: %w", err)
	}
	return n, nil
}

// GetScheduledAction fetches one action by id.
func (s *Store) GetScheduledAction(ctx context.Context, id string) (ScheduledAction, error) {
	return scanScheduledAction(s.db.QueryRowContext(ctx, `SELECT `+scheduledActionColumns+` FROM scheduled_actions WHERE id = $1`, id))
}

const scheduledActionColumns = `id, incident_id, action_type, run_at, state, payload, attempts, lease_owner, lease_expires_at, created_at, updated_at`

func scanScheduledAction(row *sql.Row) (ScheduledAction, error) {
	var sa ScheduledAction
	err := row.Scan(&sa.ID, &sa.IncidentID, &sa.ActionType, &sa.RunAt, &sa.State, &sa.Payload,
		&sa.Attempts, &sa.LeaseOwner, &sa.LeaseExpiresAt, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return ScheduledAction{}, err
	}
	return sa, nil
}
