// Package incident is C7, the incident state machine: owns incident
// lifecycle and is the authoritative source of truth for acknowledgment.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/protectogram/panic-core/internal/audit"
	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/otel"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

// Machine implements the open/acknowledge/cancel operations of spec §4.7.
type Machine struct {
	store   *store.Store
	outbox  *outbox.Dispatcher
	voice   voiceport.Provider
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(s *store.Store, ob *outbox.Dispatcher, voice voiceport.Provider, b *bus.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: s, outbox: ob, voice: voice, bus: b, logger: logger}
}

// SetMetrics wires the otel instruments recorded by Open/Acknowledge/
// Cancel. Optional; a Machine with no metrics set just skips recording.
func (m *Machine) SetMetrics(metrics *otel.Metrics) {
	m.metrics = metrics
}

// Open creates a new incident and emits "incident-opened" for C8 to seed
// the cascade. No lock is needed: the id doesn't exist for any concurrent
// handler to race on yet.
func (m *Machine) Open(ctx context.Context, travelerID string) (store.Incident, error) {
	inc, err := m.store.CreateIncident(ctx, travelerID)
	if err != nil {
		return store.Incident{}, fmt.Errorf("open incident: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicIncidentOpened, bus.IncidentOpenedEvent{IncidentID: inc.ID, TravelerID: travelerID})
	}
	audit.Record("incident.open", inc.ID, travelerID, "opened", "")
	if m.metrics != nil {
		m.metrics.IncidentsOpened.Add(ctx, 1)
	}
	return inc, nil
}

// Decision is the outcome of an acknowledge/cancel call: whether this
// call performed the transition (Applied) or found the incident already
// terminal (the idempotent no-op path, L1).
type Decision struct {
	Incident store.Incident
	Applied  bool
}

// Acknowledge implements spec §4.7's acknowledge operation. Under the
// advisory lock: if open, transitions to acknowledged and enqueues (in
// the same transaction) the cancellation of scheduled actions and the
// outbox rows for notifying the traveler and editing the other
// guardians' messages. If not open, returns the prior decision unchanged
// (L1: acknowledge is idempotent once terminal).
func (m *Machine) Acknowledge(ctx context.Context, incidentID, byUserID string, via store.AckVia) (Decision, error) {
	inc0, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return Decision{}, fmt.Errorf("acknowledge incident: load incident: %w", err)
	}
	traveler, err := m.store.GetUser(ctx, inc0.TravelerID)
	if err != nil {
		return Decision{}, fmt.Errorf("acknowledge incident: load traveler: %w", err)
	}

	var dec Decision
	var pendingCalls []store.CallAttempt
	var toDispatch []store.OutboxMessage

	err = m.store.WithIncidentLock(ctx, incidentID, func(tx *sql.Tx) error {
		applied, err := m.store.TransitionToAcknowledged(ctx, tx, incidentID, byUserID)
		if err != nil {
			return err
		}
		inc, err := m.store.GetIncidentTx(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		dec = Decision{Incident: inc, Applied: applied}
		if !applied {
			return nil
		}

		if err := m.store.CancelScheduledActionsForIncident(ctx, tx, incidentID); err != nil {
			return err
		}

		if traveler.ChatUserID != nil {
			msg, err := m.outbox.Enqueue(ctx, tx,
				fmt.Sprintf("chat:%s:traveler:ack-notice", incidentID), "chat",
				chatport.EncodeSend(*traveler.ChatUserID, "A guardian has acknowledged your panic alert and is on the way.", nil))
			if err != nil {
				return err
			}
			toDispatch = append(toDispatch, msg)
		}

		alerts, err := m.store.AlertsForIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		for _, a := range alerts {
			if a.AudienceUserID == byUserID {
				continue
			}
			if a.Channel == store.ChannelChat {
				audience, err := m.store.GetUser(ctx, a.AudienceUserID)
				if err != nil {
					return err
				}
				if audience.ChatUserID != nil {
					alertKey := fmt.Sprintf("chat:%s:%s:alert", incidentID, a.AudienceUserID)
					editKey := fmt.Sprintf("chat:%s:%s:handled-edit", incidentID, a.AudienceUserID)
					msg, err := m.outbox.Enqueue(ctx, tx, editKey, "chat",
						chatport.EncodeEditByKey(*audience.ChatUserID, alertKey, "Incident handled by another guardian.", nil))
					if err != nil {
						return err
					}
					toDispatch = append(toDispatch, msg)
				}
			}
			if pending, err := m.store.GetPendingCallAttempt(ctx, tx, a.ID); err == nil {
				pendingCalls = append(pendingCalls, pending)
			} else if err != sql.ErrNoRows {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("acknowledge incident: %w", err)
	}
	if !dec.Applied {
		return dec, nil
	}

	m.postTransitionEffects(ctx, incidentID, pendingCalls, toDispatch)
	if m.bus != nil {
		m.bus.Publish(bus.TopicIncidentAcked, bus.IncidentResolvedEvent{
			IncidentID: incidentID, Status: string(store.IncidentAcknowledged), ByUserID: byUserID, Via: string(via),
		})
	}
	audit.Record("incident.acknowledge", incidentID, byUserID, "acknowledged", string(via))
	if m.metrics != nil {
		m.metrics.IncidentsResolved.Add(ctx, 1, metric.WithAttributes(otel.AttrStatus.String(string(store.IncidentAcknowledged))))
	}
	return dec, nil
}

// Cancel implements spec §4.7's cancel operation: identical shape to
// Acknowledge but reached only by the traveler or an admin, and notifies
// watchers that the traveler canceled rather than that a guardian
// acknowledged.
func (m *Machine) Cancel(ctx context.Context, incidentID, byUserID string) (Decision, error) {
	var dec Decision
	var pendingCalls []store.CallAttempt
	var toDispatch []store.OutboxMessage

	err := m.store.WithIncidentLock(ctx, incidentID, func(tx *sql.Tx) error {
		applied, err := m.store.TransitionToCanceled(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		inc, err := m.store.GetIncidentTx(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		dec = Decision{Incident: inc, Applied: applied}
		if !applied {
			return nil
		}

		if err := m.store.CancelScheduledActionsForIncident(ctx, tx, incidentID); err != nil {
			return err
		}

		alerts, err := m.store.AlertsForIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		for _, a := range alerts {
			if a.Channel == store.ChannelChat {
				audience, err := m.store.GetUser(ctx, a.AudienceUserID)
				if err != nil {
					return err
				}
				if audience.ChatUserID != nil {
					alertKey := fmt.Sprintf("chat:%s:%s:alert", incidentID, a.AudienceUserID)
					editKey := fmt.Sprintf("chat:%s:%s:canceled-edit", incidentID, a.AudienceUserID)
					msg, err := m.outbox.Enqueue(ctx, tx, editKey, "chat",
						chatport.EncodeEditByKey(*audience.ChatUserID, alertKey, "The traveler canceled this incident.", nil))
					if err != nil {
						return err
					}
					toDispatch = append(toDispatch, msg)
				}
			}
			if pending, err := m.store.GetPendingCallAttempt(ctx, tx, a.ID); err == nil {
				pendingCalls = append(pendingCalls, pending)
			} else if err != sql.ErrNoRows {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("cancel incident: %w", err)
	}
	if !dec.Applied {
		return dec, nil
	}

	m.postTransitionEffects(ctx, incidentID, pendingCalls, toDispatch)
	if m.bus != nil {
		m.bus.Publish(bus.TopicIncidentCanceled, bus.IncidentResolvedEvent{
			IncidentID: incidentID, Status: string(store.IncidentCanceled), ByUserID: byUserID,
		})
	}
	audit.Record("incident.cancel", incidentID, byUserID, "canceled", "")
	if m.metrics != nil {
		m.metrics.IncidentsResolved.Add(ctx, 1, metric.WithAttributes(otel.AttrStatus.String(string(store.IncidentCanceled))))
	}
	return dec, nil
}

// postTransitionEffects runs everything spec §5 requires to happen
// outside the advisory lock: provider calls. Hangups are best-effort —
// transient errors are swallowed per spec §4.7, the call will time out
// naturally. Failed outbox dispatches surface via metrics but do not
// re-open the incident.
func (m *Machine) postTransitionEffects(ctx context.Context, incidentID string, pendingCalls []store.CallAttempt, toDispatch []store.OutboxMessage) {
	for _, ca := range pendingCalls {
		if ca.ProviderCallID == nil {
			continue
		}
		if err := m.voice.Hangup(ctx, *ca.ProviderCallID); err != nil {
			m.logger.Warn("incident: hangup of pending call failed, will time out naturally",
				"incident_id", incidentID, "call_attempt_id", ca.ID, "error", err)
		}
	}

	for _, msg := range toDispatch {
		if _, _, err := m.outbox.Dispatch(ctx, msg); err != nil {
			m.logger.Error("incident: outbox dispatch failed",
				"incident_id", incidentID, "idempotency_key", msg.IdempotencyKey, "error", err)
		}
	}
}
