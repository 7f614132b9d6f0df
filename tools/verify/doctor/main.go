// Command doctor runs Protectogram's operational health checks against
// the current environment's configuration and prints a pass/warn/fail
// report, exiting non-zero on any failing check. Grounded in the
// teacher's cmd/goclaw doctor subcommand, standing alone here since this
// core has no interactive CLI shell to hang a subcommand off of.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/protectogram/panic-core/internal/config"
	"github.com/protectogram/panic-core/internal/doctor"
)

var version = "dev"

func main() {
	jsonOutput := flag.Bool("json", false, "emit the diagnosis as JSON instead of a text report")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: config.Load failed, diagnosing anyway: %v\n", err)
	}

	ctx := context.Background()
	diag := doctor.Run(ctx, cfg, version)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Protectogram Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("App env: %s\n", diag.System.AppEnv)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "PASS"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-24s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		os.Exit(1)
	}
}
