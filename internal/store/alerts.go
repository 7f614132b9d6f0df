package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GetOrCreateAlert returns the existing (incident, audience, channel)
// alert or creates one in status=pending. Runs inside the incident lock
// tx since cascade seeding mutates alert rows.
func (s *Store) GetOrCreateAlert(ctx context.Context, tx *sql.Tx, incidentID, audienceUserID string, channel AlertChannel) (Alert, error) {
	a, err := scanAlert(tx.QueryRowContext(ctx, alertSelect+`
		WHERE incident_id = $1 AND audience_user_id = $2 AND channel = $3
	`, incidentID, audienceUserID, channel))
	if err == nil {
		return a, nil
	}
	if err != sql.ErrNoRows {
		return Alert{}, fmt.Errorf("lookup alert: %w", err)
	}

	a = Alert{
		ID:             uuid.NewString(),
		IncidentID:     incidentID,
		AudienceUserID: audienceUserID,
		Channel:        channel,
		Status:         AlertPending,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO alerts (id, incident_id, audience_user_id, channel, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (incident_id, audience_user_id, channel) DO UPDATE SET channel = EXCLUDED.channel
		RETURNING created_at, updated_at
	`, a.ID, a.IncidentID, a.AudienceUserID, a.Channel, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Alert{}, fmt.Errorf("create alert: %w", err)
	}
	return a, nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	return scanAlert(s.db.QueryRowContext(ctx, alertSelect+` WHERE id = $1`, id))
}

// AlertsForIncident lists every alert belonging to an incident.
func (s *Store) AlertsForIncident(ctx context.Context, incidentID string) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, alertSelect+` WHERE incident_id = $1`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlertRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllHalted reports whether every alert for an incident has reached the
// halted status — the supplemented exhaustion condition.
func (s *Store) AllHalted(ctx context.Context, tx *sql.Tx, incidentID string) (bool, error) {
	var total, halted int
	err := tx.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status = $1)
		FROM alerts WHERE incident_id = $2
	`, AlertHalted, incidentID).Scan(&total, &halted)
	if err != nil {
		return false, fmt.Errorf("check halted alerts: %w", err)
	}
	return total > 0 && total == halted, nil
}

// UpdateAlertStatus sets an alert's status and optional last error.
func (s *Store) UpdateAlertStatus(ctx context.Context, tx *sql.Tx, alertID string, status AlertStatus, lastError *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE alerts SET status = $1, last_error = $2, updated_at = now() WHERE id = $3
	`, status, lastError, alertID)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	return nil
}

// IncrementAlertAttempts bumps the attempts counter by one.
func (s *Store) IncrementAlertAttempts(ctx context.Context, tx *sql.Tx, alertID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE alerts SET attempts = attempts + 1, updated_at = now() WHERE id = $1
	`, alertID)
	if err != nil {
		return fmt.Errorf("increment alert attempts: %w", err)
	}
	return nil
}

const alertSelect = `
	SELECT id, incident_id, audience_user_id, channel, status, attempts, last_error, created_at, updated_at
	FROM alerts`

func scanAlert(row *sql.Row) (Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.IncidentID, &a.AudienceUserID, &a.Channel, &a.Status,
		&a.Attempts, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}

func scanAlertRows(rows *sql.Rows) (Alert, error) {
	var a Alert
	err := rows.Scan(&a.ID, &a.IncidentID, &a.AudienceUserID, &a.Channel, &a.Status,
		&a.Attempts, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}
