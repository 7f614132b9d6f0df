package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/cascade"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/inbox"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping webhook integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChat struct {
	sent     []string
	answered []string
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, buttons []chatport.Button) (string, error) {
	f.sent = append(f.sent, text)
	return "msg-1", nil
}
func (f *fakeChat) AnswerCallback(ctx context.Context, callbackID, shortText string) error {
	f.answered = append(f.answered, callbackID)
	return nil
}
func (f *fakeChat) EditMessage(ctx context.Context, chatID int64, messageID, text string, buttons []chatport.Button) error {
	return nil
}

type fakeVoice struct{}

func (fakeVoice) PlaceCall(ctx context.Context, toE164 string, instructions []voiceport.Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (string, error) {
	return "call-1", nil
}
func (fakeVoice) Hangup(ctx context.Context, providerCallID string) error { return nil }

func newTestServer(t *testing.T, s *store.Store, chat *fakeChat) *Server {
	t.Helper()
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(chat, s))
	b := bus.New()
	inc := incident.New(s, ob, fakeVoice{}, b, nil)
	eng := cascade.New(s, ob, fakeVoice{}, inc, b, nil, "https://example/voice/webhook", "https://example/voice/action")
	d := inbox.New(s, nil)
	return New(Config{
		Store: s, Inbox: d, Chat: chat, Incident: inc, Cascade: eng,
		ChatWebhookSecret: "topsecret", VoiceWebhookSecret: "voicesecret",
	})
}

func TestHandleChat_RejectsWrongSecret(t *testing.T) {
	s := openTestStore(t)
	srv := newTestServer(t, s, &fakeChat{})

	req := httptest.NewRequest("POST", "/webhook/chat", bytes.NewReader([]byte(`{"update_id":1}`)))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleChat_AckButtonAcknowledgesIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := &fakeChat{}
	srv := newTestServer(t, s, chat)

	travelerChatID := int64(7001)
	travelerID, err := s.CreateUser(ctx, store.User{ChatUserID: &travelerChatID, DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create traveler: %v", err)
	}
	guardianChatID := int64(7002)
	guardianID, err := s.CreateUser(ctx, store.User{ChatUserID: &guardianChatID, DisplayName: "guardian"})
	if err != nil {
		t.Fatalf("create guardian: %v", err)
	}

	incidentRec, err := srv.cfg.Incident.Open(ctx, travelerID)
	if err != nil {
		t.Fatalf("open incident: %v", err)
	}

	update := map[string]any{
		"update_id": 42,
		"callback_query": map[string]any{
			"id":   "cbq-1",
			"from": map[string]any{"id": guardianChatID},
			"data": chatport.EncodeCallbackData("ack", incidentRec.ID),
			"message": map[string]any{
				"message_id": 1,
				"chat":       map[string]any{"id": guardianChatID},
			},
		},
	}
	body, _ := json.Marshal(update)

	req := httptest.NewRequest("POST", "/webhook/chat", bytes.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "topsecret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := s.GetIncident(ctx, incidentRec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.Status != store.IncidentAcknowledged {
		t.Fatalf("expected acknowledged, got %s", got.Status)
	}
	if len(chat.answered) != 1 {
		t.Fatalf("expected callback to be answered once, got %d", len(chat.answered))
	}
	_ = guardianID

	// Redelivery of the same update must be a no-op dup, not a second ack attempt.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/webhook/chat", bytes.NewReader(body))
	req2.Header.Set("X-Telegram-Bot-Api-Secret-Token", "topsecret")
	srv.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("expected 200 on redelivery, got %d", rec2.Code)
	}
	if _, voiceDups := srv.DupCounts(); false {
		_ = voiceDups
	}
	if chatDups, _ := srv.DupCounts(); chatDups != 1 {
		t.Fatalf("expected 1 recorded chat duplicate, got %d", chatDups)
	}
}

func TestHandleVoice_RejectsBadSignature(t *testing.T) {
	s := openTestStore(t)
	srv := newTestServer(t, s, &fakeChat{})

	body := []byte(`{"data":{"id":"evt-1","event_type":"call.hangup","payload":{"call_control_id":"call-1","hangup_cause":"normal"}}}`)
	req := httptest.NewRequest("POST", "/webhook/voice", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleVoice_ValidHangupDispatchesToCascade(t *testing.T) {
	s := openTestStore(t)
	srv := newTestServer(t, s, &fakeChat{})

	body := []byte(`{"data":{"id":"evt-2","event_type":"call.hangup","payload":{"call_control_id":"no-such-call","hangup_cause":"busy"}}}`)
	sig := signBody(body, "voicesecret")

	req := httptest.NewRequest("POST", "/webhook/voice", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sig)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// An unknown call_control_id is a domain error (no such attempt), which
	// point 5 of spec §4.9 requires to be logged and 200'd, not surfaced
	// as a provider-visible failure.
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
