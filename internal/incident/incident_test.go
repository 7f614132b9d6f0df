package incident

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping incident integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChatProvider struct {
	sent   int
	edited int
}

func (f *fakeChatProvider) SendMessage(ctx context.Context, chatID int64, text string, buttons []chatport.Button) (string, error) {
	f.sent++
	return "msg-1", nil
}

func (f *fakeChatProvider) AnswerCallback(ctx context.Context, callbackID, shortText string) error {
	return nil
}

func (f *fakeChatProvider) EditMessage(ctx context.Context, chatID int64, messageID, text string, buttons []chatport.Button) error {
	f.edited++
	return nil
}

type noopVoice struct{}

func (noopVoice) PlaceCall(ctx context.Context, toE164 string, instructions []voiceport.Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (string, error) {
	return "", nil
}
func (noopVoice) Hangup(ctx context.Context, providerCallID string) error { return nil }

func newTestMachine(t *testing.T, s *store.Store, chat *fakeChatProvider) *Machine {
	t.Helper()
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(chat, s))
	return New(s, ob, noopVoice{}, bus.New(), nil)
}

func mustCreateUser(t *testing.T, s *store.Store, chatUserID int64) store.User {
	t.Helper()
	ctx := context.Background()
	phone := "+15550001000"
	id, err := s.CreateUser(ctx, store.User{ChatUserID: &chatUserID, PhoneE164: &phone, DisplayName: "Test User"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, err := s.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get created user: %v", err)
	}
	return u
}

func TestAcknowledge_IsIdempotent(t *testing.T) {
	s := openTestStore(t)
	chat := &fakeChatProvider{}
	m := newTestMachine(t, s, chat)
	ctx := context.Background()

	traveler := mustCreateUser(t, s, 1001)
	guardian := mustCreateUser(t, s, 1002)

	inc, err := m.Open(ctx, traveler.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := s.GetOrCreateAlert(ctx, tx, inc.ID, guardian.ID, store.ChannelChat); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	dec1, err := m.Acknowledge(ctx, inc.ID, guardian.ID, store.AckViaChatButton)
	if err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}
	if !dec1.Applied {
		t.Fatal("expected first acknowledge to apply")
	}
	if dec1.Incident.Status != store.IncidentAcknowledged {
		t.Fatalf("expected acknowledged status, got %s", dec1.Incident.Status)
	}

	dec2, err := m.Acknowledge(ctx, inc.ID, guardian.ID, store.AckViaChatButton)
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if dec2.Applied {
		t.Fatal("expected second acknowledge to be a no-op")
	}
	if dec2.Incident.Status != store.IncidentAcknowledged {
		t.Fatalf("expected status to remain acknowledged, got %s", dec2.Incident.Status)
	}
}

func TestCancel_EditsOtherGuardiansAlerts(t *testing.T) {
	s := openTestStore(t)
	chat := &fakeChatProvider{}
	m := newTestMachine(t, s, chat)
	ctx := context.Background()

	traveler := mustCreateUser(t, s, 2001)
	guardian := mustCreateUser(t, s, 2002)

	inc, err := m.Open(ctx, traveler.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	alert, err := s.GetOrCreateAlert(ctx, tx, inc.ID, guardian.ID, store.ChannelChat)
	if err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	_, err = outbox.New(s, nil).Enqueue(ctx, tx,
		"chat:"+inc.ID+":"+guardian.ID+":alert", "chat",
		chatport.EncodeSend(*guardian.ChatUserID, "Panic alert", nil))
	if err != nil {
		t.Fatalf("seed outbox alert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = alert

	dec, err := m.Cancel(ctx, inc.ID, traveler.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !dec.Applied {
		t.Fatal("expected cancel to apply")
	}
	if chat.edited == 0 {
		t.Fatal("expected a chat edit to be dispatched for the other guardian's alert")
	}
}
