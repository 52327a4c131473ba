package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/config"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/ledger"
)

// runLedgerCmd implements `pisa ledger <list|show>`.
func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: pisa ledger <list|show> [flags]")
		return 2
	}

	switch args[0] {
	case "list":
		return runLedgerList(args[1:], stdout, stderr)
	case "show":
		return runLedgerShow(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", args[0])
		return 2
	}
}

func runLedgerList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ledger list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config")
	cmd.IntVar(&limit, "limit", 20, "Maximum entries to show")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	store, code := openLedger(configPath, stderr)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(context.Background(), limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(stdout, "No runs recorded.")
		return 0
	}
	for _, e := range entries {
		status := ColorGreen + "SEALED" + ColorReset
		if !e.Success {
			status = ColorRed + e.State + ColorReset
		}
		_, _ = fmt.Fprintf(stdout, "%s  %-36s  %s  %s\n", e.CreatedAt.Format(time.RFC3339), e.RunID, status, e.TargetLocation)
	}
	return 0
}

func runLedgerShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ledger show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		runID      string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config")
	cmd.StringVar(&runID, "run", "", "Run ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run is required")
		return 2
	}

	store, code := openLedger(configPath, stderr)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	entry, err := store.Get(context.Background(), runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(entry, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func openLedger(configPath string, stderr io.Writer) (*ledger.SQLStore, int) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	if cfg.Ledger.DSN == "" {
		_, _ = fmt.Fprintln(stderr, "Error: ledger.dsn is not configured")
		return nil, 2
	}
	store, err := ledger.Open(context.Background(), cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	return store, 0
}
