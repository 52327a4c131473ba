package pisa

import (
	"log/slog"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/audit"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/isolation"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/observability"
)

// Option configures a Process at construction.
type Option func(*Process)

// WithIsolation sets the isolation gateway. Without one the process runs
// without isolation-ordering guarantees.
func WithIsolation(g isolation.Gateway) Option {
	return func(p *Process) { p.gateway = g }
}

// WithAudit sets the audit emitter. Defaults to audit.Nop.
func WithAudit(e audit.Emitter) Option {
	return func(p *Process) {
		if e != nil {
			p.audit = e
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) {
		if l != nil {
			p.log = l.With("component", "pisa")
		}
	}
}

// WithObservability sets the telemetry provider.
func WithObservability(o *observability.Provider) Option {
	return func(p *Process) { p.obs = o }
}

// WithClock overrides the wall clock used for stage timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Process) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithRunID fixes the run identifier instead of generating a UUID.
func WithRunID(id string) Option {
	return func(p *Process) {
		if id != "" {
			p.runID = id
		}
	}
}
