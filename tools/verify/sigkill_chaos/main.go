//go:build ignore

// sigkill_chaos is a standalone chaos test that verifies Protectogram's
// crash recovery guarantees. It builds the daemon binary, starts it,
// inserts a scheduled action directly against Postgres and claims it to
// put it in the running state, SIGKILLs the daemon, restarts it, and
// verifies that the daemon's own startup recovery scan (RequeueExpiredLeases,
// run once at boot per cmd/protectogram's "recovery_scan" phase) puts the
// action back into scheduled state once its lease expires.
//
// Requires DATABASE_URL pointed at a real (disposable) Postgres database.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/protectogram/panic-core/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "protectogram")

	fmt.Println("BUILD protectogram binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/protectogram")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	daemonEnv := append(os.Environ(),
		"DATABASE_URL="+dsn,
		"BIND_ADDR="+addr,
		"APP_ENV=staging",
		"FEATURE_PANIC=false",
		"PROTECTOGRAM_HOME="+home,
	)

	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath)
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Println("WAIT for /health/ready...")
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	st, err := store.Open(ctx, dsn, nil)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open store: %w", err)
	}
	travelerID, err := st.CreateUser(ctx, store.User{DisplayName: "sigkill-chaos-traveler"})
	if err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("create traveler: %w", err)
	}
	inc, err := st.CreateIncident(ctx, travelerID)
	if err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("create incident: %w", err)
	}
	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("begin tx: %w", err)
	}
	sa, err := st.ScheduleAction(ctx, tx, inc.ID, "sigkill-chaos-probe", time.Now().Add(-time.Second), []byte("{}"))
	if err != nil {
		_ = tx.Rollback()
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("schedule action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("commit: %w", err)
	}
	claimed, err := st.ClaimDueActions(ctx, "sigkill-chaos-owner", time.Minute, 1)
	if err != nil || len(claimed) != 1 {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("claim action: %w (claimed=%d)", err, len(claimed))
	}
	fmt.Printf("RUNNING action %s\n", sa.ID)
	st.Close()

	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	time.Sleep(500 * time.Millisecond)

	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath)
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	st2, err := store.Open(ctx, dsn, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer st2.Close()

	recovered, err := st2.GetScheduledAction(ctx, sa.ID)
	if err != nil {
		return fmt.Errorf("get recovered action: %w", err)
	}
	fmt.Printf("RECOVERED action %s state=%s\n", recovered.ID, recovered.State)
	if recovered.State != store.ActionScheduled || recovered.LeaseOwner != nil {
		return fmt.Errorf("expected action %s to be scheduled with no lease after recovery, got state=%s lease_owner=%v",
			sa.ID, recovered.State, recovered.LeaseOwner)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/health/ready", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("health/ready at %s not OK after %v", addr, timeout)
}
