package inbox

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/protectogram/panic-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping inbox integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecord_FreshThenDuplicate(t *testing.T) {
	s := openTestStore(t)
	d := New(s, nil)
	ctx := context.Background()

	ev, outcome, err := d.Record(ctx, "voice", "evt-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if outcome != Fresh {
		t.Fatalf("expected Fresh, got %v", outcome)
	}

	if err := d.MarkProcessed(ctx, ev.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	_, outcome2, err := d.Record(ctx, "voice", "evt-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if outcome2 != Duplicate {
		t.Fatalf("expected Duplicate, got %v", outcome2)
	}
}
