package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateIncident opens a new incident in status=open. Callers run this
// inside WithIncidentLock only when reacting to an existing incident;
// opening a brand new incident needs no lock since no concurrent handler
// can yet reference its id.
func (s *Store) CreateIncident(ctx context.Context, travelerID string) (Incident, error) {
	inc := Incident{
		ID:         uuid.NewString(),
		TravelerID: travelerID,
		Status:     IncidentOpen,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO incidents (id, traveler_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, inc.ID, inc.TravelerID, inc.Status).Scan(&inc.CreatedAt)
	if err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}

// GetIncident fetches an incident by id using the pool (read-only, no lock).
func (s *Store) GetIncident(ctx context.Context, id string) (Incident, error) {
	return scanIncident(s.db.QueryRowContext(ctx, incidentSelect+` WHERE id = $1`, id))
}

// GetIncidentTx fetches an incident within a caller-managed transaction,
// for use inside WithIncidentLock where the read must observe the locked
// row consistently with subsequent writes.
func (s *Store) GetIncidentTx(ctx context.Context, tx *sql.Tx, id string) (Incident, error) {
	return scanIncident(tx.QueryRowContext(ctx, incidentSelect+` WHERE id = $1`, id))
}

const incidentSelect = `
	SELECT id, traveler_id, status, created_at, acknowledged_at, acknowledged_by_user_id, canceled_at
	FROM incidents`

func scanIncident(row *sql.Row) (Incident, error) {
	var inc Incident
	err := row.Scan(&inc.ID, &inc.TravelerID, &inc.Status, &inc.CreatedAt,
		&inc.AcknowledgedAt, &inc.AcknowledgedByUserID, &inc.CanceledAt)
	if err != nil {
		return Incident{}, err
	}
	return inc, nil
}

// TransitionToAcknowledged flips an open incident to acknowledged. It is a
// guarded single-statement UPDATE (WHERE status = 'open') so that only the
// first caller under the advisory lock — there should only ever be one,
// since the lock serializes — actually performs the transition; returns
// false if the incident was already terminal, mirroring the teacher's
// claim-style guarded transitions.
func (s *Store) TransitionToAcknowledged(ctx context.Context, tx *sql.Tx, incidentID, byUserID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1, acknowledged_at = now(), acknowledged_by_user_id = $2
		WHERE id = $3 AND status = $4
	`, IncidentAcknowledged, byUserID, incidentID, IncidentOpen)
	if err != nil {
		return false, fmt.Errorf("transition incident to acknowledged: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionToCanceled flips an open incident to canceled under the lock.
func (s *Store) TransitionToCanceled(ctx context.Context, tx *sql.Tx, incidentID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1, canceled_at = now()
		WHERE id = $2 AND status = $3
	`, IncidentCanceled, incidentID, IncidentOpen)
	if err != nil {
		return false, fmt.Errorf("transition incident to canceled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionToExhausted flips an open incident to the supplemented
// exhausted status once the cascade has run out of guardians and
// attempts without acknowledgment.
func (s *Store) TransitionToExhausted(ctx context.Context, tx *sql.Tx, incidentID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1
		WHERE id = $2 AND status = $3
	`, IncidentExhausted, incidentID, IncidentOpen)
	if err != nil {
		return false, fmt.Errorf("transition incident to exhausted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncidentCounts reports the number of incidents per status, mirroring
// the teacher's TaskCounts idiom, for GET /metrics exposition.
func (s *Store) IncidentCounts(ctx context.Context) (map[IncidentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	out := map[IncidentStatus]int{}
	for rows.Next() {
		var status IncidentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CancelScheduledActionsForIncident cancels every scheduled (not yet
// claimed) action for incidentID in the same transaction as a terminal
// transition, per spec §5's cancellation rule.
func (s *Store) CancelScheduledActionsForIncident(ctx context.Context, tx *sql.Tx, incidentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET state = $1, updated_at = now()
		WHERE incident_id = $2 AND state = $3
	`, ActionCanceled, incidentID, ActionScheduled)
	if err != nil {
		return fmt.Errorf("cancel scheduled actions: %w", err)
	}
	return nil
}
