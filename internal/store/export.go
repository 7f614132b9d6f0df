package store

import (
	"context"
	"fmt"
)

// AuditEntry is a read-only projection of one audit_log row, for
// tools/verify/incident_export and any future incident-review surface.
type AuditEntry struct {
	Action     string
	IncidentID string
	Subject    string
	Outcome    string
	Detail     string
	CreatedAt  string
}

// AuditEntriesForIncident lists every audit_log row recorded for an
// incident, oldest first, for post-incident review.
func (s *Store) AuditEntriesForIncident(ctx context.Context, incidentID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COALESCE(incident_id::text, ''), COALESCE(subject, ''), outcome, COALESCE(detail, ''), created_at::text
		FROM audit_log
		WHERE incident_id = $1
		ORDER BY created_at ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for incident: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Action, &e.IncidentID, &e.Subject, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScheduledActionsForIncident lists every scheduled_actions row for an
// incident regardless of state, for post-incident review.
func (s *Store) ScheduledActionsForIncident(ctx context.Context, incidentID string) ([]ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledActionColumns+`
		FROM scheduled_actions
		WHERE incident_id = $1
		ORDER BY created_at ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled actions for incident: %w", err)
	}
	defer rows.Close()

	var out []ScheduledAction
	for rows.Next() {
		var sa ScheduledAction
		if err := rows.Scan(&sa.ID, &sa.IncidentID, &sa.ActionType, &sa.RunAt, &sa.State, &sa.Payload,
			&sa.Attempts, &sa.LeaseOwner, &sa.LeaseExpiresAt, &sa.CreatedAt, &sa.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}
