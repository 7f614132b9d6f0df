// Package outbox implements C3, the outbox dispatcher: record intent to
// send, invoke the provider, record the outcome idempotently.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/protectogram/panic-core/internal/otel"
	"github.com/protectogram/panic-core/internal/store"
)

// Sender is implemented by each provider port (chatport, voiceport) so
// the dispatcher can invoke providers without importing them directly.
// Send receives the raw payload recorded at enqueue time and returns the
// provider's message/call id on success.
type Sender interface {
	Send(ctx context.Context, payload []byte) (providerMessageID string, err error)
}

// ErrNoSender is returned by Dispatch when no Sender is registered for
// an outbox row's channel.
var ErrNoSender = errors.New("outbox: no sender registered for channel")

// Dispatcher implements the C3 contract. Enqueue performs the DB mutation
// (must run inside the caller's incident-lock transaction); Dispatch
// performs the provider call and must run after that transaction commits,
// never inside it, per spec §5.
type Dispatcher struct {
	store   *store.Store
	logger  *slog.Logger
	senders map[string]Sender
	metrics *otel.Metrics
}

func New(s *store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, logger: logger, senders: make(map[string]Sender)}
}

// Register binds a Sender to a channel name ("chat", "voice").
func (d *Dispatcher) Register(channel string, sender Sender) {
	d.senders[channel] = sender
}

// SetMetrics wires the otel instruments recorded by Dispatch. Optional;
// a Dispatcher with no metrics set just skips recording.
func (d *Dispatcher) SetMetrics(m *otel.Metrics) {
	d.metrics = m
}

// Enqueue is step 1 of the send contract: insert-or-get the outbox row.
// Call inside the incident lock transaction.
func (d *Dispatcher) Enqueue(ctx context.Context, tx *sql.Tx, idempotencyKey, channel string, payload []byte) (store.OutboxMessage, error) {
	return d.store.EnqueueOutbox(ctx, tx, idempotencyKey, channel, payload)
}

// Dispatch is steps 2-3 of the send contract: if the row isn't already
// sent, invoke the provider and record the outcome; always return the
// stored provider-message-id (possibly from a prior successful send).
// Call outside any lock transaction.
func (d *Dispatcher) Dispatch(ctx context.Context, msg store.OutboxMessage) (providerMessageID string, alreadySent bool, err error) {
	if msg.Status == store.OutboxSent {
		if msg.ProviderMessageID != nil {
			return *msg.ProviderMessageID, true, nil
		}
		return "", true, nil
	}

	sender, ok := d.senders[msg.Channel]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
	}

	start := time.Now()
	id, sendErr := sender.Send(ctx, msg.Payload)
	if d.metrics != nil {
		d.metrics.OutboxSendDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrChannel.String(msg.Channel)))
	}
	if sendErr != nil {
		if d.metrics != nil {
			d.metrics.OutboxFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrChannel.String(msg.Channel)))
		}
		if markErr := d.store.MarkOutboxFailed(ctx, msg.ID); markErr != nil {
			d.logger.Error("outbox: failed to mark send failure", "id", msg.ID, "error", markErr)
		}
		return "", false, fmt.Errorf("dispatch outbox message %s: %w", msg.ID, sendErr)
	}

	if err := d.store.MarkOutboxSent(ctx, msg.ID, id); err != nil {
		return "", false, fmt.Errorf("record outbox sent: %w", err)
	}
	return id, false, nil
}

// Send is a convenience helper combining Enqueue and Dispatch for call
// sites that aren't already inside an incident lock transaction (e.g. a
// scheduled action handler that opens its own short transaction just for
// the enqueue step, then dispatches after committing).
func (d *Dispatcher) Send(ctx context.Context, idempotencyKey, channel string, payload []byte) (providerMessageID string, alreadySent bool, err error) {
	tx, err := d.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin enqueue tx: %w", err)
	}
	msg, err := d.Enqueue(ctx, tx, idempotencyKey, channel, payload)
	if err != nil {
		_ = tx.Rollback()
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return d.Dispatch(ctx, msg)
}
