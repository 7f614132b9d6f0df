package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/protectogram/panic-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping scheduler integration test")
	}
	s, err := store.Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding a fixed sleep that would make the test
// flaky under load.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func mustSeedIncident(t *testing.T, s *store.Store) store.Incident {
	t.Helper()
	ctx := context.Background()
	travelerID, err := s.CreateUser(ctx, store.User{DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create traveler: %v", err)
	}
	inc, err := s.CreateIncident(ctx, travelerID)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return inc
}

func TestRunner_FiresDueActionAndCompletes(t *testing.T) {
	s := openTestStore(t)
	inc := mustSeedIncident(t, s)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := s.ScheduleAction(ctx, tx, inc.ID, "test-action", time.Now(), nil); err != nil {
		t.Fatalf("schedule action: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var fired atomic.Int32
	r := New(Config{Store: s, PollInterval: 50 * time.Millisecond, LeaseFor: time.Second})
	r.Register("test-action", func(ctx context.Context, action store.ScheduledAction) error {
		fired.Add(1)
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.Start(runCtx)
	defer func() { cancel(); r.Stop() }()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 })
}

func TestRunner_RetriesFailedActionThenExhausts(t *testing.T) {
	s := openTestStore(t)
	inc := mustSeedIncident(t, s)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	sa, err := s.ScheduleAction(ctx, tx, inc.ID, "always-fails", time.Now(), nil)
	if err != nil {
		t.Fatalf("schedule action: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var attempts atomic.Int32
	r := New(Config{
		Store:        s,
		PollInterval: 30 * time.Millisecond,
		LeaseFor:     time.Second,
		RetryPolicy:  func(n int) (bool, time.Duration) { return n < 2, 10 * time.Millisecond },
	})
	r.Register("always-fails", func(ctx context.Context, action store.ScheduledAction) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.Start(runCtx)
	defer func() { cancel(); r.Stop() }()

	waitFor(t, 3*time.Second, func() bool { return attempts.Load() >= 2 })

	waitFor(t, time.Second, func() bool {
		got, err := s.GetScheduledAction(ctx, sa.ID)
		return err == nil && got.State == store.ActionFailed
	})
}
