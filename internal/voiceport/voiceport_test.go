package voiceport

import (
	"testing"

	"github.com/protectogram/panic-core/internal/store"
)

func TestBuildPanicInstructions_Shape(t *testing.T) {
	instr := BuildPanicInstructions("ru-RU", "Тревога!", "https://example/cb", 10)
	if len(instr) != 3 {
		t.Fatalf("expected exactly 3 instructions, got %d", len(instr))
	}
	if instr[0].Speak == nil || instr[0].Gather != nil || instr[0].Hangup != nil {
		t.Fatal("expected instruction 0 to be a lone speak")
	}
	if instr[1].Gather == nil || instr[1].Gather.MaxDigits != 1 {
		t.Fatal("expected instruction 1 to be a single-digit gather")
	}
	if instr[2].Hangup == nil {
		t.Fatal("expected instruction 2 to be a hangup")
	}
}

func TestMapHangupCauseToResult(t *testing.T) {
	cases := map[string]store.CallResult{
		"busy":         store.CallBusy,
		"no_answer":    store.CallNoAnswer,
		"call_timeout": store.CallNoAnswer,
		"call_rejected": store.CallFailed,
		"anything_else": store.CallFailed,
	}
	for cause, want := range cases {
		if got := MapHangupCauseToResult(cause); got != want {
			t.Fatalf("cause %q: expected %s, got %s", cause, want, got)
		}
	}
}
