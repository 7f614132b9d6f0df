package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"
)

// openTestStore opens a real Postgres-backed store, skipping the test
// when no database is available — these are integration tests, run the
// way the teacher's persistence package tests run against a real file,
// just against Postgres instead of sqlite.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping store integration test")
	}
	s, err := Open(context.Background(), dsn, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, User{DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	inc, err := s.CreateIncident(ctx, uid)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if inc.Status != IncidentOpen {
		t.Fatalf("expected status open, got %s", inc.Status)
	}

	got, err := s.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.TravelerID != uid {
		t.Fatalf("expected traveler %s, got %s", uid, got.TravelerID)
	}
}

func TestWithIncidentLock_SerializesAcknowledgment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, User{DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	inc, err := s.CreateIncident(ctx, uid)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	var firstWins, secondWins bool
	err = s.WithIncidentLock(ctx, inc.ID, func(tx *sql.Tx) error {
		ok, err := s.TransitionToAcknowledged(ctx, tx, inc.ID, uid)
		if err != nil {
			return err
		}
		firstWins = ok
		return nil
	})
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if !firstWins {
		t.Fatal("expected first acknowledge to win")
	}

	err = s.WithIncidentLock(ctx, inc.ID, func(tx *sql.Tx) error {
		ok, err := s.TransitionToAcknowledged(ctx, tx, inc.ID, uid)
		if err != nil {
			return err
		}
		secondWins = ok
		return nil
	})
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if secondWins {
		t.Fatal("expected second acknowledge to be a no-op")
	}
}

func TestRecordInbox_DedupesOnSecondCall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, fresh1, err := s.RecordInbox(ctx, "chat", "update-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("record inbox: %v", err)
	}
	if !fresh1 {
		t.Fatal("expected first record to be fresh")
	}

	_, fresh2, err := s.RecordInbox(ctx, "chat", "update-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("record duplicate inbox: %v", err)
	}
	if fresh2 {
		t.Fatal("expected second record to be a duplicate")
	}
}

func TestEnqueueOutbox_FirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, User{DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	inc, err := s.CreateIncident(ctx, uid)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	var first, second OutboxMessage
	err = s.WithIncidentLock(ctx, inc.ID, func(tx *sql.Tx) error {
		var err error
		first, err = s.EnqueueOutbox(ctx, tx, "chat:"+inc.ID+":alert", "chat", []byte(`{"text":"first"}`))
		return err
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}

	err = s.WithIncidentLock(ctx, inc.ID, func(tx *sql.Tx) error {
		var err error
		second, err = s.EnqueueOutbox(ctx, tx, "chat:"+inc.ID+":alert", "chat", []byte(`{"text":"second"}`))
		return err
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	if string(second.Payload) != string(first.Payload) {
		t.Fatalf("expected second enqueue to return first payload, got %s", second.Payload)
	}
}

func TestClaimDueActions_SkipsLockedRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, User{DisplayName: "traveler"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	inc, err := s.CreateIncident(ctx, uid)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	err = s.WithIncidentLock(ctx, inc.ID, func(tx *sql.Tx) error {
		_, err := s.ScheduleAction(ctx, tx, inc.ID, "call_attempt", time.Now().Add(-time.Second), nil)
		return err
	})
	if err != nil {
		t.Fatalf("schedule action: %v", err)
	}

	claimed, err := s.ClaimDueActions(ctx, "runner-1", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim due actions: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed action, got %d", len(claimed))
	}
	if claimed[0].State != ActionRunning {
		t.Fatalf("expected claimed action state running, got %s", claimed[0].State)
	}

	again, err := s.ClaimDueActions(ctx, "runner-2", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 additional claims, got %d", len(again))
	}
}
