package httpapi

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/protectogram/panic-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping httpapi integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleLive_AlwaysOK(t *testing.T) {
	srv := New(Config{})
	req := httptest.NewRequest("GET", "/health/live", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleReady_ReportsDBStatus(t *testing.T) {
	s := openTestStore(t)
	srv := New(Config{Store: s})

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMetrics_ExposesIncidentAndActionGauges(t *testing.T) {
	s := openTestStore(t)
	srv := New(Config{Store: s})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{
		"protectogram_incidents_by_status",
		"protectogram_scheduled_actions_pending",
		"protectogram_alloc_bytes",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics body to contain %q, got:\n%s", want, body)
		}
	}
}

type fakeDupCtr struct {
	chat, voice int64
}

func (f fakeDupCtr) DupCounts() (chat, voice int64) { return f.chat, f.voice }

func TestHandleMetrics_IncludesWebhookDuplicateCounts(t *testing.T) {
	s := openTestStore(t)
	srv := New(Config{Store: s, DupCtr: fakeDupCtr{chat: 3, voice: 1}})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `protectogram_webhook_duplicates_total{provider="chat"} 3`) {
		t.Errorf("expected chat duplicate count in body, got:\n%s", body)
	}
	if !strings.Contains(body, `protectogram_webhook_duplicates_total{provider="voice"} 1`) {
		t.Errorf("expected voice duplicate count in body, got:\n%s", body)
	}
}
