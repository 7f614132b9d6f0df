package cascade

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping cascade integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChat struct {
	sent   []string
	edited []string
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, buttons []chatport.Button) (string, error) {
	f.sent = append(f.sent, text)
	return "msg-1", nil
}
func (f *fakeChat) AnswerCallback(ctx context.Context, callbackID, shortText string) error { return nil }
func (f *fakeChat) EditMessage(ctx context.Context, chatID int64, messageID, text string, buttons []chatport.Button) error {
	f.edited = append(f.edited, text)
	return nil
}

type fakeVoice struct {
	placed int
}

func (f *fakeVoice) PlaceCall(ctx context.Context, toE164 string, instructions []voiceport.Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (string, error) {
	f.placed++
	return "call-1", nil
}
func (f *fakeVoice) Hangup(ctx context.Context, providerCallID string) error { return nil }

func seedTraveler(t *testing.T, s *store.Store, chatEnabled, callEnabled bool) (traveler, guardian store.User) {
	t.Helper()
	ctx := context.Background()
	travelerChatID := int64(9001)
	travelerID, err := s.CreateUser(ctx, store.User{ChatUserID: &travelerChatID, DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create traveler: %v", err)
	}
	guardianChatID := int64(9002)
	phone := "+15550009999"
	guardianID, err := s.CreateUser(ctx, store.User{ChatUserID: &guardianChatID, PhoneE164: &phone, DisplayName: "guardian"})
	if err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	if _, err := s.CreateGuardianLink(ctx, store.GuardianLink{
		TravelerID: travelerID, WatcherID: guardianID, PriorityRank: 1,
		ChatEnabled: chatEnabled, CallEnabled: callEnabled,
	}); err != nil {
		t.Fatalf("create guardian link: %v", err)
	}
	trav, err := s.GetUser(ctx, travelerID)
	if err != nil {
		t.Fatalf("get traveler: %v", err)
	}
	guard, err := s.GetUser(ctx, guardianID)
	if err != nil {
		t.Fatalf("get guardian: %v", err)
	}
	return trav, guard
}

func TestSeed_SendsAlertAndSchedulesCallAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	traveler, _ := seedTraveler(t, s, true, true)

	chat := &fakeChat{}
	voice := &fakeVoice{}
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(chat, s))
	inc := incident.New(s, ob, voice, bus.New(), nil)
	eng := New(s, ob, voice, inc, bus.New(), nil, "https://example/voice/webhook", "https://example/voice/action")

	incidentRec, err := inc.Open(ctx, traveler.ID)
	if err != nil {
		t.Fatalf("open incident: %v", err)
	}

	if err := eng.Seed(ctx, incidentRec.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if len(chat.sent) != 1 {
		t.Fatalf("expected exactly 1 chat alert sent, got %d", len(chat.sent))
	}

	actions, err := s.ClaimDueActions(ctx, "test-owner", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due actions: %v", err)
	}
	found := false
	for _, a := range actions {
		if a.ActionType == actionCallAttempt {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a call_attempt action to have been scheduled")
	}
}

func TestSeed_NoGuardians_ExhaustsImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	travelerChatID := int64(9101)
	travelerID, err := s.CreateUser(ctx, store.User{ChatUserID: &travelerChatID, DisplayName: "lone traveler"})
	if err != nil {
		t.Fatalf("create traveler: %v", err)
	}

	chat := &fakeChat{}
	voice := &fakeVoice{}
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(chat, s))
	inc := incident.New(s, ob, voice, bus.New(), nil)
	eng := New(s, ob, voice, inc, bus.New(), nil, "https://example/voice/webhook", "https://example/voice/action")

	incidentRec, err := inc.Open(ctx, travelerID)
	if err != nil {
		t.Fatalf("open incident: %v", err)
	}

	if err := eng.Seed(ctx, incidentRec.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.GetIncident(ctx, incidentRec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.Status != store.IncidentExhausted {
		t.Fatalf("expected exhausted status, got %s", got.Status)
	}
	if len(chat.sent) != 1 {
		t.Fatalf("expected the no-guardian notice to be sent, got %d sends", len(chat.sent))
	}
}

// TestHandleCallResult_NonAnswerResultsRetryUntilMaxRetries exercises
// spec §4.8's full retry set directly: "failed" and "answered-machine"
// are retry-eligible exactly like "busy"/"no-answer" up to max-retries,
// not a narrower provider-cause-based subset.
func TestHandleCallResult_NonAnswerResultsRetryUntilMaxRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	traveler, guardian := seedTraveler(t, s, false, true)
	_ = traveler

	links, err := s.ActiveGuardianLinksForTraveler(ctx, traveler.ID)
	if err != nil || len(links) != 1 {
		t.Fatalf("expected one guardian link, got %d, err=%v", len(links), err)
	}
	if links[0].MaxRetries < 1 {
		t.Fatalf("expected default max-retries >= 1, got %d", links[0].MaxRetries)
	}

	chat := &fakeChat{}
	voice := &fakeVoice{}
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(chat, s))
	inc := incident.New(s, ob, voice, bus.New(), nil)
	eng := New(s, ob, voice, inc, bus.New(), nil, "https://example/voice/webhook", "https://example/voice/action")

	incidentRec, err := inc.Open(ctx, traveler.ID)
	if err != nil {
		t.Fatalf("open incident: %v", err)
	}
	if err := eng.Seed(ctx, incidentRec.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}

	actions, err := s.ClaimDueActions(ctx, "test-owner", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected exactly 1 due call_attempt action, got %d", len(actions))
	}
	if err := eng.handleCallAttempt(ctx, actions[0]); err != nil {
		t.Fatalf("handle call attempt: %v", err)
	}

	alerts, err := s.AlertsForIncident(ctx, incidentRec.ID)
	if err != nil {
		t.Fatalf("get alerts: %v", err)
	}
	var voiceAlert store.Alert
	for _, a := range alerts {
		if a.Channel == store.ChannelVoice && a.AudienceUserID == guardian.ID {
			voiceAlert = a
		}
	}
	if voiceAlert.ID == "" {
		t.Fatal("expected a voice alert for the guardian")
	}
	attempt, err := s.GetPendingCallAttempt(ctx, s.DB(), voiceAlert.ID)
	if err != nil {
		t.Fatalf("get pending attempt: %v", err)
	}

	errorCode := "unknown"
	if err := eng.HandleCallResult(ctx, *attempt.ProviderCallID, store.CallFailed, nil, &errorCode); err != nil {
		t.Fatalf("handle call result (failed): %v", err)
	}

	reScheduled, err := s.ClaimDueActions(ctx, "test-owner", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due actions after failed result: %v", err)
	}
	foundRetry := false
	for _, a := range reScheduled {
		if a.ActionType == actionCallAttempt {
			foundRetry = true
		}
	}
	if !foundRetry {
		t.Fatal("expected a retry call_attempt to be scheduled after a non-ack 'failed' result, per spec §4.8's retry set")
	}
}
