// Package cascade is C8, the cascade policy engine: for one open
// incident, it decides who gets contacted next, on which channel, and
// when, and reacts to call results and reminder ticks to keep deciding
// until the incident leaves the open state.
package cascade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/config"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/scheduler"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

const (
	actionChatReminder = "chat_reminder"
	actionCallAttempt  = "call_attempt"

	reminderInterval = 120 * time.Second
)

// Engine wires the scheduled-action handlers and the incident-opened
// bus subscription that drive the cascade.
type Engine struct {
	store    *store.Store
	outbox   *outbox.Dispatcher
	voice    voiceport.Provider
	incident *incident.Machine
	bus      *bus.Bus
	logger   *slog.Logger

	voiceResultWebhookURL string
	voiceActionBaseURL    string

	accessControl config.Config
}

// SetWhitelist wires the §6 `FEATURE_ALLOW_ONLY_WHITELIST`/
// `ALLOWED_E164_NUMBERS` access control: when enabled, handleCallAttempt
// refuses to place a call to any number outside the allowlist. Grounded
// in original_source's app/core/access_control.is_phone_number_allowed,
// applied at the one place the core actually dials a number — the
// original never wired its own access-control module into the cascade,
// this implementation completes that wiring.
func (e *Engine) SetWhitelist(enabled bool, allowed []string) {
	normalized := make([]string, len(allowed))
	for i, n := range allowed {
		normalized[i] = voiceport.NormalizeE164(n)
	}
	e.accessControl = config.Config{AllowOnlyWhitelist: enabled, AllowedE164Numbers: normalized}
}

func (e *Engine) phoneAllowed(e164 string) bool {
	return e.accessControl.IsWhitelisted(voiceport.NormalizeE164(e164))
}

func New(s *store.Store, ob *outbox.Dispatcher, voice voiceport.Provider, inc *incident.Machine, b *bus.Bus, logger *slog.Logger, voiceResultWebhookURL, voiceActionBaseURL string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: s, outbox: ob, voice: voice, incident: inc, bus: b, logger: logger,
		voiceResultWebhookURL: voiceResultWebhookURL,
		voiceActionBaseURL:    voiceActionBaseURL,
	}
}

// RegisterHandlers binds the cascade's scheduled-action handlers onto a
// scheduler.Runner. Call once during wiring, before Runner.Start.
func (e *Engine) RegisterHandlers(r *scheduler.Runner) {
	r.Register(actionChatReminder, e.handleChatReminder)
	r.Register(actionCallAttempt, e.handleCallAttempt)
}

// Start subscribes to incident-opened events and seeds the cascade for
// each one, mirroring the teacher's bus-subscription-loop idiom
// (internal/channels/telegram.go's monitorViaBus).
func (e *Engine) Start(ctx context.Context) {
	if e.bus == nil {
		return
	}
	sub := e.bus.Subscribe(bus.TopicIncidentOpened)
	go func() {
		defer e.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				opened, ok := ev.Payload.(bus.IncidentOpenedEvent)
				if !ok {
					continue
				}
				if err := e.Seed(ctx, opened.IncidentID); err != nil {
					e.logger.Error("cascade: seed failed", "incident_id", opened.IncidentID, "error", err)
				}
			}
		}
	}()
}

type chatReminderPayload struct {
	AudienceUserID string `json:"audience_user_id"`
	ReminderN      int    `json:"reminder_n"`
}

type callAttemptPayload struct {
	AudienceUserID string `json:"audience_user_id"`
	AttemptNumber  int    `json:"attempt_number"`
	FirstAttemptAt int64  `json:"first_attempt_at"` // unix seconds, for the total-ring-cap check
}

// Seed loads the traveler's active guardian links in priority order and,
// for each, enqueues the initial chat alert and/or schedules the first
// call attempt, per spec §4.8.
func (e *Engine) Seed(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("cascade: seed: load incident: %w", err)
	}
	links, err := e.store.ActiveGuardianLinksForTraveler(ctx, inc.TravelerID)
	if err != nil {
		return fmt.Errorf("cascade: seed: load guardian links: %w", err)
	}
	if len(links) == 0 {
		return e.exhaustIfNoGuardians(ctx, incidentID)
	}

	var toDispatch []store.OutboxMessage

	err = e.store.WithIncidentLock(ctx, incidentID, func(tx *sql.Tx) error {
		for _, link := range links {
			watcher, err := e.store.GetUser(ctx, link.WatcherID)
			if err != nil {
				return fmt.Errorf("load watcher %s: %w", link.WatcherID, err)
			}

			if link.ChatEnabled && watcher.ChatUserID != nil {
				alert, err := e.store.GetOrCreateAlert(ctx, tx, incidentID, link.WatcherID, store.ChannelChat)
				if err != nil {
					return err
				}
				alertKey := fmt.Sprintf("chat:%s:%s:alert", incidentID, link.WatcherID)
				button := chatport.Button{Text: "I take responsibility", CallbackData: chatport.EncodeCallbackData("ack", incidentID)}
				msg, err := e.outbox.Enqueue(ctx, tx, alertKey, "chat",
					chatport.EncodeSend(*watcher.ChatUserID, panicAlertText(), []chatport.Button{button}))
				if err != nil {
					return err
				}
				toDispatch = append(toDispatch, msg)

				reminderPayload, _ := json.Marshal(chatReminderPayload{AudienceUserID: link.WatcherID, ReminderN: 1})
				if _, err := e.store.ScheduleAction(ctx, tx, incidentID, actionChatReminder, time.Now().Add(reminderInterval), reminderPayload); err != nil {
					return err
				}
				_ = alert
			}

			if link.CallEnabled && watcher.PhoneE164 != nil {
				if _, err := e.store.GetOrCreateAlert(ctx, tx, incidentID, link.WatcherID, store.ChannelVoice); err != nil {
					return err
				}
				attemptPayload, _ := json.Marshal(callAttemptPayload{
					AudienceUserID: link.WatcherID, AttemptNumber: 1, FirstAttemptAt: time.Now().Unix(),
				})
				if _, err := e.store.ScheduleAction(ctx, tx, incidentID, actionCallAttempt, time.Now(), attemptPayload); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cascade: seed: %w", err)
	}

	for _, msg := range toDispatch {
		if _, _, err := e.outbox.Dispatch(ctx, msg); err != nil {
			e.logger.Error("cascade: dispatch initial alert failed", "incident_id", incidentID, "error", err)
		}
	}
	return nil
}

func (e *Engine) exhaustIfNoGuardians(ctx context.Context, incidentID string) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	traveler, err := e.store.GetUser(ctx, inc.TravelerID)
	if err != nil {
		return err
	}
	var toDispatch *store.OutboxMessage
	err = e.store.WithIncidentLock(ctx, incidentID, func(tx *sql.Tx) error {
		if _, err := e.store.TransitionToExhausted(ctx, tx, incidentID); err != nil {
			return err
		}
		if traveler.ChatUserID == nil {
			return nil
		}
		msg, err := e.outbox.Enqueue(ctx, tx, fmt.Sprintf("chat:%s:traveler:no-guardian", incidentID), "chat",
			chatport.EncodeSend(*traveler.ChatUserID, "No guardian could be reached. Please seek help directly.", nil))
		if err != nil {
			return err
		}
		toDispatch = &msg
		return nil
	})
	if err != nil {
		return err
	}
	if toDispatch != nil {
		if _, _, err := e.outbox.Dispatch(ctx, *toDispatch); err != nil {
			e.logger.Error("cascade: dispatch no-guardian notice failed", "incident_id", incidentID, "error", err)
		}
	}
	return nil
}

// handleChatReminder re-pings a guardian who hasn't acknowledged by
// editing the original alert message in place with an updated counter,
// then reschedules itself. Grounded in spec §4.8's reminder policy: the
// edit targets the alert's own idempotency key so the edited message
// stays the same Telegram message, while the outbox row for the edit
// itself uses a distinct key per reminder number so retries of this
// action don't collapse into a single edit.
func (e *Engine) handleChatReminder(ctx context.Context, action store.ScheduledAction) error {
	var p chatReminderPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return fmt.Errorf("decode chat reminder payload: %w", err)
	}

	inc, err := e.store.GetIncident(ctx, action.IncidentID)
	if err != nil {
		return err
	}
	if inc.Status != store.IncidentOpen {
		return scheduler.ErrTerminated
	}

	watcher, err := e.store.GetUser(ctx, p.AudienceUserID)
	if err != nil {
		return err
	}
	if watcher.ChatUserID == nil {
		return scheduler.ErrTerminated
	}

	var toDispatch store.OutboxMessage
	err = e.store.WithIncidentLock(ctx, action.IncidentID, func(tx *sql.Tx) error {
		inc, err := e.store.GetIncidentTx(ctx, tx, action.IncidentID)
		if err != nil {
			return err
		}
		if inc.Status != store.IncidentOpen {
			return scheduler.ErrTerminated
		}

		alertKey := fmt.Sprintf("chat:%s:%s:alert", action.IncidentID, p.AudienceUserID)
		editKey := fmt.Sprintf("chat:%s:%s:reminder:%d", action.IncidentID, p.AudienceUserID, p.ReminderN)
		button := chatport.Button{Text: "I take responsibility", CallbackData: chatport.EncodeCallbackData("ack", action.IncidentID)}
		text := fmt.Sprintf("%s\n\n(reminder #%d)", panicAlertText(), p.ReminderN)
		msg, err := e.outbox.Enqueue(ctx, tx, editKey, "chat",
			chatport.EncodeEditByKey(*watcher.ChatUserID, alertKey, text, []chatport.Button{button}))
		if err != nil {
			return err
		}
		toDispatch = msg

		next, _ := json.Marshal(chatReminderPayload{AudienceUserID: p.AudienceUserID, ReminderN: p.ReminderN + 1})
		_, err = e.store.ScheduleAction(ctx, tx, action.IncidentID, actionChatReminder, time.Now().Add(reminderInterval), next)
		return err
	})
	if errors.Is(err, scheduler.ErrTerminated) {
		return scheduler.ErrTerminated
	}
	if err != nil {
		return err
	}

	if _, _, err := e.outbox.Dispatch(ctx, toDispatch); err != nil {
		e.logger.Error("cascade: dispatch reminder edit failed", "incident_id", action.IncidentID, "error", err)
	}
	return nil
}

func panicAlertText() string {
	return "A traveler you guard has raised a panic alert. Tap the button below if you are responding."
}
