// Package voiceport is C6, the voice provider port: an abstract verb set
// (place a call with speak/gather instructions, hang up) that normalizes
// provider-specific webhook events into the domain's closed event set.
package voiceport

import "context"

// Instruction is one element of the ordered instruction list a call is
// placed with. Exactly one of the fields is populated; spec §6 fixes the
// shape to [speak, gather, hangup] — a single speak, one gather, one
// terminal hangup — superseding original_source's double-speak sequence
// (see SPEC_FULL.md Open Question 3).
type Instruction struct {
	Speak   *SpeakInstruction
	Gather  *GatherInstruction
	Hangup  *HangupInstruction
}

type SpeakInstruction struct {
	Language string
	Text     string
}

type GatherInstruction struct {
	MaxDigits  int
	TimeoutSec int
	FinishOn   string // empty means no finish-on-key
	ActionURL  string
}

type HangupInstruction struct{}

// BuildPanicInstructions constructs the exact three-element instruction
// list spec §6 specifies: speak the panic prompt, gather one DTMF digit,
// hang up.
func BuildPanicInstructions(language, text, actionURL string, gatherTimeoutSec int) []Instruction {
	return []Instruction{
		{Speak: &SpeakInstruction{Language: language, Text: text}},
		{Gather: &GatherInstruction{MaxDigits: 1, TimeoutSec: gatherTimeoutSec, ActionURL: actionURL}},
		{Hangup: &HangupInstruction{}},
	}
}

// Provider is the verb set spec §4.6 requires of any voice adapter.
type Provider interface {
	// PlaceCall places an outbound call and returns the provider's call id.
	PlaceCall(ctx context.Context, toE164 string, instructions []Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (providerCallID string, err error)

	// Hangup terminates an in-progress call. Best-effort: transient
	// errors are swallowed by the caller per spec §4.7 failure semantics.
	Hangup(ctx context.Context, providerCallID string) error
}

// EventKind is the closed set of shape-normalized voice callback events
// spec §4.6 and §9 name: call-initiated, call-answered, dtmf-received,
// call-hangup, amd-result.
type EventKind string

const (
	EventCallInitiated EventKind = "call-initiated"
	EventCallAnswered  EventKind = "call-answered"
	EventDTMFReceived  EventKind = "dtmf-received"
	EventCallHangup    EventKind = "call-hangup"
	EventAMDResult     EventKind = "amd-result"
)

// Event is a provider callback normalized to the domain's shape. Only the
// field relevant to Kind is populated.
type Event struct {
	Kind           EventKind
	ProviderCallID string
	Digit          string // EventDTMFReceived
	HangupReason   string // EventCallHangup, raw provider cause string
	AMDResult      string // EventAMDResult: "human" or "machine"
}
