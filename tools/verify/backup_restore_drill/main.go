// Command backup_restore_drill exercises a real pg_dump/pg_restore cycle
// against Protectogram's schema: seed a traveler, an incident, and a
// scheduled action, dump the source database, restore into a scratch
// database, and confirm the restored row counts match. Grounded in the
// teacher's SQLite VACUUM INTO backup drill, retargeted to Postgres's own
// backup tooling since VACUUM INTO has no Postgres equivalent.
//
// Requires the pg_dump and pg_restore binaries on PATH, a source database
// at -db, and an empty scratch database at -scratch that this process may
// freely drop and recreate objects in.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/protectogram/panic-core/internal/store"
)

func main() {
	dsn := flag.String("db", "", "Postgres DATABASE_URL for the source database")
	scratch := flag.String("scratch", "", "Postgres DATABASE_URL for an empty scratch database")
	flag.Parse()

	if *dsn == "" || *scratch == "" {
		fmt.Fprintln(os.Stderr, "db and scratch are required")
		os.Exit(2)
	}

	ctx := context.Background()
	if err := run(ctx, *dsn, *scratch); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, dsn, scratchDSN string) error {
	st, err := store.Open(ctx, dsn, nil)
	if err != nil {
		return fmt.Errorf("open source store: %w", err)
	}
	travelerID, err := st.CreateUser(ctx, store.User{DisplayName: "backup-drill-traveler"})
	if err != nil {
		st.Close()
		return fmt.Errorf("create traveler: %w", err)
	}
	inc, err := st.CreateIncident(ctx, travelerID)
	if err != nil {
		st.Close()
		return fmt.Errorf("create incident: %w", err)
	}
	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		st.Close()
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := st.ScheduleAction(ctx, tx, inc.ID, "backup-drill-probe", time.Now(), []byte("{}")); err != nil {
		_ = tx.Rollback()
		st.Close()
		return fmt.Errorf("schedule action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		st.Close()
		return fmt.Errorf("commit: %w", err)
	}

	var wantIncidents, wantActions int
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM incidents`).Scan(&wantIncidents); err != nil {
		st.Close()
		return fmt.Errorf("count source incidents: %w", err)
	}
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduled_actions`).Scan(&wantActions); err != nil {
		st.Close()
		return fmt.Errorf("count source scheduled_actions: %w", err)
	}
	st.Close()

	dumpFile, err := os.CreateTemp("", "protectogram-backup-*.dump")
	if err != nil {
		return fmt.Errorf("mktemp dump file: %w", err)
	}
	dumpPath := dumpFile.Name()
	dumpFile.Close()
	defer os.Remove(dumpPath)

	backupStart := time.Now().UTC()
	dump := exec.Command("pg_dump", "-Fc", "-f", dumpPath, dsn)
	dump.Stdout = os.Stdout
	dump.Stderr = os.Stderr
	if err := dump.Run(); err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restore := exec.Command("pg_restore", "--clean", "--if-exists", "--no-owner", "-d", scratchDSN, dumpPath)
	restore.Stdout = os.Stdout
	restore.Stderr = os.Stderr
	if err := restore.Run(); err != nil {
		return fmt.Errorf("pg_restore: %w", err)
	}
	restoreEnd := time.Now().UTC()

	restored, err := store.Open(ctx, scratchDSN, nil)
	if err != nil {
		return fmt.Errorf("open restored store: %w", err)
	}
	defer restored.Close()

	var gotIncidents, gotActions int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM incidents`).Scan(&gotIncidents); err != nil {
		return fmt.Errorf("count restored incidents: %w", err)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduled_actions`).Scan(&gotActions); err != nil {
		return fmt.Errorf("count restored scheduled_actions: %w", err)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("source_incidents=%d restored_incidents=%d\n", wantIncidents, gotIncidents)
	fmt.Printf("source_scheduled_actions=%d restored_scheduled_actions=%d\n", wantActions, gotActions)

	if gotIncidents != wantIncidents || gotActions != wantActions {
		return fmt.Errorf("row counts diverged after restore: incidents %d->%d, scheduled_actions %d->%d",
			wantIncidents, gotIncidents, wantActions, gotActions)
	}
	return nil
}
