package outbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/protectogram/panic-core/internal/store"
)

type fakeSender struct {
	calls int
	id    string
	err   error
}

func (f *fakeSender) Send(ctx context.Context, payload []byte) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping outbox integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSend_RetryCollapsesToOneProviderCall(t *testing.T) {
	s := openTestStore(t)
	d := New(s, nil)
	fake := &fakeSender{id: "provider-msg-1"}
	d.Register("chat", fake)

	ctx := context.Background()
	key := "chat:test-incident:audience:alert"

	id1, already1, err := d.Send(ctx, key, "chat", []byte(`{"text":"a"}`))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if already1 {
		t.Fatal("expected first send not already-sent")
	}

	id2, already2, err := d.Send(ctx, key, "chat", []byte(`{"text":"b"}`))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !already2 {
		t.Fatal("expected second send to observe already-sent")
	}
	if id1 != id2 {
		t.Fatalf("expected same provider message id, got %s vs %s", id1, id2)
	}
	if fake.calls != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", fake.calls)
	}
}

func TestDispatch_NoSenderRegistered(t *testing.T) {
	s := openTestStore(t)
	d := New(s, nil)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	msg, err := d.Enqueue(ctx, tx, "voice:test-incident:audience:attempt:1", "voice", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, _, err = d.Dispatch(ctx, msg)
	if !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
}
