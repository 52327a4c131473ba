package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/audit"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/config"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/isolation"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/ledger"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/observability"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/pisa"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface/pagesim"
)

// runRunCmd implements `pisa run`.
//
// Runs one initialization against the in-process page simulator, persists the
// result to the ledger and prints it. The channel token is only printed with
// --show-token.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath   string
		target       string
		sessionID    string
		outPath      string
		auditPath    string
		jsonOutput   bool
		noLedger     bool
		showToken    bool
		agentVersion string
		failLockdown bool
	)

	cmd.StringVar(&configPath, "config", "", "Path to YAML config")
	cmd.StringVar(&target, "target", "", "Target location to initialize (REQUIRED)")
	cmd.StringVar(&sessionID, "session", "", "Host session identifier (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Write the result JSON to this file")
	cmd.StringVar(&auditPath, "audit-log", "", "Append audit events to this file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	cmd.BoolVar(&noLedger, "no-ledger", false, "Do not persist the result")
	cmd.BoolVar(&showToken, "show-token", false, "Include the channel token in output")
	cmd.StringVar(&agentVersion, "agent-version", pagesim.DefaultAgentVersion, "Agent version reported by the simulated page")
	cmd.BoolVar(&failLockdown, "fail-lockdown", false, "Make the simulated page refuse lockdown")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if target == "" || sessionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --target and --session are required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.Log, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    "cli",
		OTLPEndpoint:   cfg.Observability.Endpoint,
		SampleRate:     1.0,
		BatchTimeout:   time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	emitters := audit.Multi{audit.NewSlogEmitter(logger)}
	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: audit log: %v\n", err)
			return 2
		}
		defer func() { _ = f.Close() }()
		emitters = append(emitters, audit.NewLoggerWithWriter(f))
	}

	page := pagesim.New(pagesim.Options{
		AgentVersion:   agentVersion,
		RejectLockdown: failLockdown,
	})
	opts := []pisa.Option{
		pisa.WithAudit(emitters),
		pisa.WithLogger(logger),
		pisa.WithObservability(obs),
	}
	var mgr *isolation.Manager
	if cfg.Isolation.Enabled {
		mgr = isolation.NewManager(cfg.Isolation.Interferers)
		opts = append(opts, pisa.WithIsolation(mgr))
	}

	proc, err := pisa.New(cfg, page, page, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	go func() {
		<-ctx.Done()
		proc.Abort()
	}()
	res := proc.Execute(ctx, target, sessionID)
	if mgr != nil {
		mgr.Deactivate(context.Background())
	}

	if !noLedger {
		if err := persist(context.Background(), cfg.Ledger, res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: ledger: %v\n", err)
			return 2
		}
	}

	out := *res
	if !showToken {
		out.ChannelToken = ""
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 2
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write result: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Success {
		_, _ = fmt.Fprintf(stdout, "%sSEALED%s %s\n", ColorBold+ColorGreen, ColorReset, res.TargetLocation)
		_, _ = fmt.Fprintf(stdout, "Run:        %s\n", res.RunID)
		_, _ = fmt.Fprintf(stdout, "Chain hash: %s\n", res.ChainHash)
		for _, s := range res.Stages {
			_, _ = fmt.Fprintf(stdout, "  %-15s %s\n", s.Name, s.Hash)
		}
		_, _ = fmt.Fprintf(stdout, "Duration:   %dms\n", res.TotalDurationMs)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s%s%s %s\n", ColorBold+ColorRed, res.State, ColorReset, res.TargetLocation)
		_, _ = fmt.Fprintf(stdout, "Run:    %s\n", res.RunID)
		_, _ = fmt.Fprintf(stdout, "Kind:   %s\n", res.ErrorKind)
		_, _ = fmt.Fprintf(stdout, "Error:  %s\n", res.Error)
		_, _ = fmt.Fprintf(stdout, "Stages: %d/5\n", len(res.Stages))
	}

	if !res.Success {
		return 1
	}
	return 0
}

func persist(ctx context.Context, cfg config.Ledger, res *pisa.Result) error {
	if cfg.DSN == "" {
		return nil
	}
	store, err := ledger.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entry, err := ledger.FromResult(res, time.Now())
	if err != nil {
		return err
	}
	return store.Put(ctx, entry)
}
