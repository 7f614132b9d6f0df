// Command lease_recovery_crash drives the scheduler's lease-expiry
// recovery path end to end against a real database: schedule an action,
// claim it as if a runner had picked it up, then simulate that runner
// dying mid-handler by holding the lease past its expiry, and finally
// confirm RequeueExpiredLeases put the action back into scheduled state
// for another runner to pick up. Three separate process invocations
// (prepare/claim-sleep/recover) so the "crash" is a real process exit,
// not a simulated one, mirroring the teacher's own crash-drill CLI shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/protectogram/panic-core/internal/store"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dsn := flag.String("db", "", "Postgres DATABASE_URL")
	flag.Parse()

	if *mode == "" || *dsn == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	st, err := store.Open(ctx, *dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch *mode {
	case "prepare":
		runPrepare(ctx, st)
	case "claim-sleep":
		runClaimSleep(ctx, st)
	case "recover":
		runRecover(ctx, st)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

const owner = "lease-recovery-crash"

func runPrepare(ctx context.Context, st *store.Store) {
	travelerID, err := st.CreateUser(ctx, store.User{DisplayName: "lease-crash-traveler"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create traveler: %v\n", err)
		os.Exit(1)
	}
	inc, err := st.CreateIncident(ctx, travelerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create incident: %v\n", err)
		os.Exit(1)
	}

	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin tx: %v\n", err)
		os.Exit(1)
	}
	sa, err := st.ScheduleAction(ctx, tx, inc.ID, "lease-crash-probe", time.Now().Add(-time.Second), []byte("{}"))
	if err != nil {
		_ = tx.Rollback()
		fmt.Fprintf(os.Stderr, "schedule action: %v\n", err)
		os.Exit(1)
	}
	if err := tx.Commit(); err != nil {
		fmt.Fprintf(os.Stderr, "commit: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("PREPARED_INCIDENT_ID=%s\n", inc.ID)
	fmt.Printf("PREPARED_ACTION_ID=%s\n", sa.ID)
}

// runClaimSleep claims the due action with a short lease and then blocks
// forever — kill -9 this process to simulate the crash, leaving the
// lease to expire on its own.
func runClaimSleep(ctx context.Context, st *store.Store) {
	claimed, err := st.ClaimDueActions(ctx, owner, 2*time.Second, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "claim due actions: %v\n", err)
		os.Exit(1)
	}
	if len(claimed) == 0 {
		fmt.Fprintln(os.Stderr, "no claimable action")
		os.Exit(1)
	}
	fmt.Printf("CLAIMED_ACTION_ID=%s\n", claimed[0].ID)
	fmt.Printf("LEASE_OWNER=%s\n", owner)
	for {
		time.Sleep(time.Second)
	}
}

func runRecover(ctx context.Context, st *store.Store) {
	recovered, err := st.RequeueExpiredLeases(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue expired leases: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("RECOVERED=%d\n", recovered)

	actionID := os.Getenv("LEASE_RECOVERY_ACTION_ID")
	if actionID == "" {
		fmt.Println("VERDICT SKIP — set LEASE_RECOVERY_ACTION_ID to the id printed by prepare to assert its state")
		return
	}
	sa, err := st.GetScheduledAction(ctx, actionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get scheduled action: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ACTION_STATE id=%s state=%s lease_owner=%q\n", sa.ID, sa.State, derefStr(sa.LeaseOwner))
	if sa.State == store.ActionScheduled && sa.LeaseOwner == nil {
		fmt.Println("VERDICT PASS")
		return
	}
	fmt.Println("VERDICT FAIL — action not back in scheduled state with lease released")
	os.Exit(1)
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
