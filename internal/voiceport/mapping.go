package voiceport

import (
	"strings"

	"github.com/protectogram/panic-core/internal/store"
)

// NormalizeE164 strips everything but digits and a leading "+" from a
// loosely-formatted phone number, per spec §9's open-question resolution:
// normalization happens before any E.164 value is compared or stored.
// Grounded in original_source's access_control.normalize_e164.
func NormalizeE164(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if c == '+' || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned
}

// MapHangupCauseToResult normalizes a provider-specific hangup cause into
// a store.CallResult. Grounded in original_source's
// map_hangup_cause_to_result; busy and (no_answer|call_timeout) keep
// their own terminal results rather than collapsing to failed, since the
// cascade policy engine's retry decision (§4.8) distinguishes them from
// permanent failures for logging even though both are retry-eligible.
// "normal_clearing" is the cause a provider reports when the IVR's own
// gather step times out and the call then runs off the end of the
// instruction list into the trailing hangup — i.e. a human answered and
// let the call end without pressing a digit (spec §4.8's
// "answered-human-without-digit") rather than any kind of failure, so it
// maps to no-answer instead of falling into the catch-all failed case.
func MapHangupCauseToResult(cause string) store.CallResult {
	switch cause {
	case "busy":
		return store.CallBusy
	case "no_answer", "call_timeout", "timeout", "normal_clearing":
		return store.CallNoAnswer
	case "call_rejected", "call_canceled", "call_failed":
		return store.CallFailed
	default:
		return store.CallFailed
	}
}
