package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateGuardianLink registers watcher as a guardian for traveler.
func (s *Store) CreateGuardianLink(ctx context.Context, l GuardianLink) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = GuardianLinkActive
	}
	if l.TotalRingCapSeconds == 0 {
		l.TotalRingCapSeconds = 180
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardian_links (
			id, traveler_id, watcher_id, priority_rank, ring_timeout_seconds,
			max_retries, retry_backoff_seconds, total_ring_cap_seconds,
			chat_enabled, call_enabled, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, l.ID, l.TravelerID, l.WatcherID, l.PriorityRank, l.RingTimeoutSeconds,
		l.MaxRetries, l.RetryBackoffSeconds, l.TotalRingCapSeconds, l.ChatEnabled, l.CallEnabled, l.Status)
	if err != nil {
		return "", fmt.Errorf("create guardian link: %w", err)
	}
	return l.ID, nil
}

// ActiveGuardianLinksForTraveler returns the traveler's active guardians
// ordered by (priority rank ascending, link creation time ascending) per
// spec §3 invariant 5 — the total order the cascade policy engine walks.
func (s *Store) ActiveGuardianLinksForTraveler(ctx context.Context, travelerID string) ([]GuardianLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, traveler_id, watcher_id, priority_rank, ring_timeout_seconds,
		       max_retries, retry_backoff_seconds, total_ring_cap_seconds,
		       chat_enabled, call_enabled, status, created_at
		FROM guardian_links
		WHERE traveler_id = $1 AND status = $2
		ORDER BY priority_rank ASC, created_at ASC
	`, travelerID, GuardianLinkActive)
	if err != nil {
		return nil, fmt.Errorf("list guardian links: %w", err)
	}
	defer rows.Close()

	var out []GuardianLink
	for rows.Next() {
		l, err := scanGuardianLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanGuardianLink(row interface{ Scan(...any) error }) (GuardianLink, error) {
	var l GuardianLink
	err := row.Scan(&l.ID, &l.TravelerID, &l.WatcherID, &l.PriorityRank, &l.RingTimeoutSeconds,
		&l.MaxRetries, &l.RetryBackoffSeconds, &l.TotalRingCapSeconds,
		&l.ChatEnabled, &l.CallEnabled, &l.Status, &l.CreatedAt)
	if err != nil {
		return GuardianLink{}, err
	}
	return l, nil
}
