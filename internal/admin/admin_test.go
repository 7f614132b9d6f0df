package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

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
		t.Skip("TEST_DATABASE_URL not set, skipping admin integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type noopChat struct{}

func (noopChat) SendMessage(ctx context.Context, chatID int64, text string, buttons []chatport.Button) (string, error) {
	return "msg-1", nil
}
func (noopChat) AnswerCallback(ctx context.Context, callbackID, shortText string) error { return nil }
func (noopChat) EditMessage(ctx context.Context, chatID int64, messageID, text string, buttons []chatport.Button) error {
	return nil
}

type noopVoice struct{}

func (noopVoice) PlaceCall(ctx context.Context, toE164 string, instructions []voiceport.Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (string, error) {
	return "call-1", nil
}
func (noopVoice) Hangup(ctx context.Context, providerCallID string) error { return nil }

func TestHandleTrigger_RequiresAdminKey(t *testing.T) {
	s := openTestStore(t)
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(noopChat{}, s))
	inc := incident.New(s, ob, noopVoice{}, bus.New(), nil)
	srv := New(Config{Store: s, Incident: inc, AdminKey: "letmein"})

	body, _ := json.Marshal(map[string]string{"traveler_id": "whatever"})
	req := httptest.NewRequest("POST", "/admin/panic/trigger", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleTrigger_OpensIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ob := outbox.New(s, nil)
	ob.Register("chat", chatport.NewOutboxSender(noopChat{}, s))
	inc := incident.New(s, ob, noopVoice{}, bus.New(), nil)
	srv := New(Config{Store: s, Incident: inc, AdminKey: "letmein"})

	chatID := int64(5001)
	travelerID, err := s.CreateUser(ctx, store.User{ChatUserID: &chatID, DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create traveler: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"traveler_id": travelerID})
	req := httptest.NewRequest("POST", "/admin/panic/trigger", bytes.NewReader(body))
	req.Header.Set("X-Admin-Key", "letmein")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		IncidentID string `json:"incident_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.IncidentID == "" {
		t.Fatal("expected a non-empty incident_id")
	}

	getReq := httptest.NewRequest("GET", "/admin/incidents/"+resp.IncidentID, nil)
	getReq.Header.Set("X-Admin-Key", "letmein")
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != 200 {
		t.Fatalf("expected 200 on incident lookup, got %d", getRec.Code)
	}
}
