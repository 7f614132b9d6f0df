package cascade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/scheduler"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

// handleCallAttempt places one outbound call for a guardian's voice
// alert. The DB mutation (creating the pending call_attempt row) runs
// under the incident lock; the provider call itself runs after, per
// spec §5's lock/provider-call split.
func (e *Engine) handleCallAttempt(ctx context.Context, action store.ScheduledAction) error {
	var p callAttemptPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return fmt.Errorf("decode call attempt payload: %w", err)
	}

	inc, err := e.store.GetIncident(ctx, action.IncidentID)
	if err != nil {
		return err
	}
	if inc.Status != store.IncidentOpen {
		return scheduler.ErrTerminated
	}

	link, err := e.guardianLink(ctx, inc.TravelerID, p.AudienceUserID)
	if err != nil {
		return err
	}
	watcher, err := e.store.GetUser(ctx, p.AudienceUserID)
	if err != nil {
		return err
	}
	if watcher.PhoneE164 == nil {
		return scheduler.ErrTerminated
	}
	if !e.phoneAllowed(*watcher.PhoneE164) {
		return e.haltVoiceAlert(ctx, action.IncidentID, p.AudienceUserID, "phone number not in access-control allowlist")
	}

	if time.Since(time.Unix(p.FirstAttemptAt, 0)) > time.Duration(link.TotalRingCapSeconds)*time.Second {
		return e.haltVoiceAlert(ctx, action.IncidentID, p.AudienceUserID, "total ring cap exceeded")
	}

	var attempt store.CallAttempt
	var alertID string
	err = e.store.WithIncidentLock(ctx, action.IncidentID, func(tx *sql.Tx) error {
		inc, err := e.store.GetIncidentTx(ctx, tx, action.IncidentID)
		if err != nil {
			return err
		}
		if inc.Status != store.IncidentOpen {
			return scheduler.ErrTerminated
		}
		alert, err := e.store.GetOrCreateAlert(ctx, tx, action.IncidentID, p.AudienceUserID, store.ChannelVoice)
		if err != nil {
			return err
		}
		alertID = alert.ID
		attempt, err = e.store.CreateCallAttempt(ctx, tx, alert.ID, p.AttemptNumber)
		return err
	})
	if errors.Is(err, scheduler.ErrTerminated) {
		return scheduler.ErrTerminated
	}
	if err != nil {
		return err
	}

	text := panicVoicePromptFor(watcher.Locale)
	instructions := voiceport.BuildPanicInstructions(watcher.Locale, text, e.voiceActionBaseURL, link.RingTimeoutSeconds)
	providerCallID, err := e.voice.PlaceCall(ctx, *watcher.PhoneE164, instructions, e.voiceResultWebhookURL, link.RingTimeoutSeconds, link.TotalRingCapSeconds)
	if err != nil {
		e.logger.Error("cascade: place call failed", "incident_id", action.IncidentID, "alert_id", alertID, "error", err)
		return err
	}

	setTx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := e.store.SetCallAttemptProviderID(ctx, setTx, attempt.ID, providerCallID); err != nil {
		_ = setTx.Rollback()
		return err
	}
	return setTx.Commit()
}

// HandleCallResult is invoked by the voice webhook handler (C9) once a
// call attempt reaches a terminal result. If the guardian pressed "1"
// while the call was answered by a human, this is an acknowledgment;
// otherwise the attempt's result is recorded and either a retry is
// scheduled or the voice alert is halted per guardian policy.
func (e *Engine) HandleCallResult(ctx context.Context, providerCallID string, result store.CallResult, dtmf *string, errorCode *string) error {
	attempt, err := e.store.GetCallAttemptByProviderCallID(ctx, providerCallID)
	if err != nil {
		return fmt.Errorf("cascade: resolve call attempt: %w", err)
	}

	if result == store.CallAnsweredHuman && dtmf != nil && *dtmf == "1" {
		return e.acknowledgeViaCall(ctx, attempt)
	}

	alert, err := e.store.GetAlert(ctx, attempt.AlertID)
	if err != nil {
		return err
	}

	_, err = e.transitionAndMaybeRetry(ctx, alert, attempt, result, dtmf, errorCode)
	return err
}

func (e *Engine) acknowledgeViaCall(ctx context.Context, attempt store.CallAttempt) error {
	alert, err := e.store.GetAlert(ctx, attempt.AlertID)
	if err != nil {
		return err
	}
	var txErr error
	_ = e.store.WithIncidentLock(ctx, alert.IncidentID, func(tx *sql.Tx) error {
		dtmf := "1"
		_, txErr = e.store.TransitionCallAttempt(ctx, tx, attempt.ID, store.CallAcknowledged, &dtmf, nil)
		return txErr
	})
	if txErr != nil {
		return txErr
	}
	_, err = e.incident.Acknowledge(ctx, alert.IncidentID, alert.AudienceUserID, store.AckViaDTMF)
	return err
}

func (e *Engine) transitionAndMaybeRetry(ctx context.Context, alert store.Alert, attempt store.CallAttempt, result store.CallResult, dtmf, errorCode *string) (bool, error) {
	link, err := e.guardianLinkByAlert(ctx, alert)
	if err != nil {
		return false, err
	}

	var applied bool
	err = e.store.WithIncidentLock(ctx, alert.IncidentID, func(tx *sql.Tx) error {
		a, terr := e.store.TransitionCallAttempt(ctx, tx, attempt.ID, result, dtmf, errorCode)
		if terr != nil {
			return terr
		}
		applied = a
		if !applied {
			return nil
		}
		return e.store.IncrementAlertAttempts(ctx, tx, alert.ID)
	})
	if err != nil || !applied {
		return applied, err
	}

	count, err := e.store.AttemptCountForAlert(ctx, e.store.DB(), alert.ID)
	if err != nil {
		return true, err
	}
	if count >= link.MaxRetries {
		return true, e.haltVoiceAlert(ctx, alert.IncidentID, alert.AudienceUserID, "max retries exhausted")
	}

	payload, _ := json.Marshal(callAttemptPayload{
		AudienceUserID: alert.AudienceUserID, AttemptNumber: count + 1, FirstAttemptAt: attempt.StartedAt.Unix(),
	})
	_, err = func() (store.ScheduledAction, error) {
		tx, terr := e.store.DB().BeginTx(ctx, nil)
		if terr != nil {
			return store.ScheduledAction{}, terr
		}
		sa, terr := e.store.ScheduleAction(ctx, tx, alert.IncidentID, actionCallAttempt,
			time.Now().Add(time.Duration(link.RetryBackoffSeconds)*time.Second), payload)
		if terr != nil {
			_ = tx.Rollback()
			return store.ScheduledAction{}, terr
		}
		return sa, tx.Commit()
	}()
	return true, err
}

func (e *Engine) haltVoiceAlert(ctx context.Context, incidentID, audienceUserID, reason string) error {
	var exhausted bool
	err := e.store.WithIncidentLock(ctx, incidentID, func(tx *sql.Tx) error {
		alert, err := e.store.GetOrCreateAlert(ctx, tx, incidentID, audienceUserID, store.ChannelVoice)
		if err != nil {
			return err
		}
		if err := e.store.UpdateAlertStatus(ctx, tx, alert.ID, store.AlertHalted, &reason); err != nil {
			return err
		}
		allHalted, err := e.store.AllHalted(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		if allHalted {
			if _, err := e.store.TransitionToExhausted(ctx, tx, incidentID); err != nil {
				return err
			}
			exhausted = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if exhausted {
		e.notifyTravelerExhausted(ctx, incidentID)
	}
	return nil
}

func (e *Engine) notifyTravelerExhausted(ctx context.Context, incidentID string) {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		e.logger.Error("cascade: load incident for exhaustion notice failed", "incident_id", incidentID, "error", err)
		return
	}
	traveler, err := e.store.GetUser(ctx, inc.TravelerID)
	if err != nil || traveler.ChatUserID == nil {
		return
	}
	_, _, err = e.outbox.Send(ctx, fmt.Sprintf("chat:%s:traveler:no-guardian", incidentID), "chat",
		chatport.EncodeSend(*traveler.ChatUserID, "No guardian could be reached. Please seek help directly.", nil))
	if err != nil {
		e.logger.Error("cascade: send exhaustion notice failed", "incident_id", incidentID, "error", err)
	}
}

func (e *Engine) guardianLink(ctx context.Context, travelerID, watcherID string) (store.GuardianLink, error) {
	links, err := e.store.ActiveGuardianLinksForTraveler(ctx, travelerID)
	if err != nil {
		return store.GuardianLink{}, err
	}
	for _, l := range links {
		if l.WatcherID == watcherID {
			return l, nil
		}
	}
	return store.GuardianLink{}, fmt.Errorf("cascade: no active guardian link for watcher %s", watcherID)
}

func (e *Engine) guardianLinkByAlert(ctx context.Context, alert store.Alert) (store.GuardianLink, error) {
	inc, err := e.store.GetIncident(ctx, alert.IncidentID)
	if err != nil {
		return store.GuardianLink{}, err
	}
	return e.guardianLink(ctx, inc.TravelerID, alert.AudienceUserID)
}

func panicVoicePromptFor(locale string) string {
	if locale == "en-US" {
		return "This is an emergency alert. Press 1 if you are responding."
	}
	return "Это экстренное уведомление. Нажмите 1, если вы реагируете."
}
