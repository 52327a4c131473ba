package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/chain"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/config"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/ledger"
)

// sealedChain is the part of a result JSON needed to re-verify it.
type sealedChain struct {
	Stages         []chain.Record `json:"stages"`
	ChainHash      string         `json:"chainHash"`
	ChainSeparator string         `json:"chainSeparator"`
}

// runVerifyCmd implements `pisa verify`.
//
// Recomputes every stage digest, the previousHash links and the chain hash of
// a result file or a ledger entry.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		resultPath string
		runID      string
		configPath string
		jsonOutput bool
	)

	cmd.StringVar(&resultPath, "result", "", "Path to a result JSON file")
	cmd.StringVar(&runID, "run", "", "Run ID to load from the ledger")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config (ledger location)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (resultPath == "") == (runID == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --result or --run is required")
		return 2
	}

	var (
		report *chain.VerifyReport
		source string
	)
	if resultPath != "" {
		sc, err := readSealedChain(resultPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report = chain.Verify(sc.Stages, sc.ChainHash, sc.ChainSeparator)
		source = resultPath
	} else {
		cfg, err := config.Resolve(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		entry, err := loadEntry(context.Background(), cfg.Ledger, runID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if report, err = entry.Verify(); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		source = "ledger:" + runID
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "%sChain verification PASSED%s\n", ColorBold+ColorGreen, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", source)
		_, _ = fmt.Fprintf(stdout, "Checks: %s\n", report.Summary)
	} else {
		_, _ = fmt.Fprintf(stdout, "%sChain verification FAILED%s\n", ColorBold+ColorRed, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", source)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}

func readSealedChain(path string) (sealedChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sealedChain{}, fmt.Errorf("read result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var sc sealedChain
	if err := dec.Decode(&sc); err != nil {
		return sealedChain{}, fmt.Errorf("decode result %s: %w", path, err)
	}
	return sc, nil
}

func loadEntry(ctx context.Context, cfg config.Ledger, runID string) (ledger.Entry, error) {
	if cfg.DSN == "" {
		return ledger.Entry{}, errors.New("ledger.dsn is not configured")
	}
	store, err := ledger.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return ledger.Entry{}, err
	}
	defer func() { _ = store.Close() }()
	return store.Get(ctx, runID)
}
