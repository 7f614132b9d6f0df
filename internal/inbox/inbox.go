// Package inbox implements C2, the inbox deduper: record provider
// events exactly once and gate domain processing on freshness.
package inbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/protectogram/panic-core/internal/store"
)

// Outcome reports whether a recorded event is new work or a redelivery.
type Outcome int

const (
	Fresh Outcome = iota
	Duplicate
)

// Deduper records provider events and tracks when their domain handler
// has completed. Recording and processing are deliberately two different
// transactions (spec §4.2): a domain handler that crashes after the
// inbox insert but before its own commit leaves processed_at null, and
// the reconciliation sweep will retry it rather than losing the event.
type Deduper struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Deduper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{store: s, logger: logger}
}

// Record inserts (provider, eventID) if unseen. Callers must only invoke
// their domain handler when Outcome is Fresh, then call MarkProcessed
// once that handler's own transaction commits.
func (d *Deduper) Record(ctx context.Context, provider, eventID string, payload []byte) (store.InboxEvent, Outcome, error) {
	ev, fresh, err := d.store.RecordInbox(ctx, provider, eventID, payload)
	if err != nil {
		return store.InboxEvent{}, Duplicate, err
	}
	if fresh {
		return ev, Fresh, nil
	}
	d.logger.Debug("inbox: duplicate event", "provider", provider, "event_id", eventID)
	return ev, Duplicate, nil
}

// MarkProcessed stamps processed_at once the domain handler's own
// transaction has committed successfully.
func (d *Deduper) MarkProcessed(ctx context.Context, eventID string) error {
	return d.store.MarkInboxProcessed(ctx, eventID)
}

// SweepStuck finds unprocessed events older than olderThan. The caller
// (the scheduler's reconciliation handler) re-dispatches each to the
// domain and calls MarkProcessed again on success; handlers are
// idempotent by contract so re-dispatch is safe even if the original
// domain effects actually did commit.
func (d *Deduper) SweepStuck(ctx context.Context, olderThan time.Duration, limit int) ([]store.InboxEvent, error) {
	return d.store.StuckInboxEvents(ctx, olderThan, limit)
}
