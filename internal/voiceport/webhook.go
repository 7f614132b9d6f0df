package voiceport

import (
	"encoding/json"
	"fmt"
)

// webhookEnvelope mirrors the call control webhook envelope from
// original_source/app/integrations/telnyx/webhook.py: a top-level "data"
// object carrying an event_type and a payload whose shape depends on it.
type webhookEnvelope struct {
	Data struct {
		EventID   string `json:"id"`
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			HangupCause   string `json:"hangup_cause"`
			Digits        string `json:"digits"`
			Result        string `json:"result"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhookEvent normalizes one provider call-control webhook body
// into the domain's closed Event set, plus the provider's own event id
// for C2 dedup. Unrecognized event_type values return an error so the
// webhook handler (C9) can 200 them without dispatching to a domain
// handler.
func ParseWebhookEvent(body []byte) (Event, string, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, "", fmt.Errorf("voiceport: decode webhook: %w", err)
	}
	p := env.Data.Payload
	ev := Event{ProviderCallID: p.CallControlID}

	switch env.Data.EventType {
	case "call.initiated":
		ev.Kind = EventCallInitiated
	case "call.answered":
		ev.Kind = EventCallAnswered
	case "call.dtmf.received":
		ev.Kind = EventDTMFReceived
		ev.Digit = p.Digits
	case "call.hangup":
		ev.Kind = EventCallHangup
		ev.HangupReason = p.HangupCause
	case "call.machine.detection.ended":
		ev.Kind = EventAMDResult
		ev.AMDResult = p.Result
	default:
		return Event{}, "", fmt.Errorf("voiceport: unrecognized event_type %q", env.Data.EventType)
	}
	if ev.ProviderCallID == "" {
		return Event{}, "", fmt.Errorf("voiceport: webhook missing call_control_id")
	}
	eventID := env.Data.EventID
	if eventID == "" {
		eventID = env.Data.EventType + ":" + ev.ProviderCallID
	}
	return ev, eventID, nil
}
