// Package pisa implements the secure environment initialization process: a
// five-stage, hash-chained state machine that isolates the capture surface,
// forces a verifiable reload, confirms readiness, opens an ephemeral secure
// channel with the in-page agent, activates lockdown and seals the sequence
// with a chain hash.
package pisa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/audit"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/chain"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/config"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/isolation"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/observability"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/readiness"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/retry"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

const auditCategory = "PISA"

// Process drives one initialization run. It is single use: the first
// Execute runs, later calls fail with ErrAlreadyExecuted.
type Process struct {
	cfg       config.Config
	host      surface.HostSurface
	messenger surface.Messenger
	ka        *crypto.KeyAgreement
	ready     *readiness.Predicate
	agent     *semver.Constraints
	policy    retry.BackoffPolicy

	gateway isolation.Gateway
	audit   audit.Emitter
	log     *slog.Logger
	obs     *observability.Provider
	clock   func() time.Time
	runID   string

	mu       sync.Mutex
	state    State
	started  bool
	finished bool
	aborted  bool
	cancel   context.CancelCauseFunc
	stages   []StageRecord
}

// New validates cfg and builds a process. Messages to the page are rate
// limited according to cfg.Messaging.
func New(cfg config.Config, host surface.HostSurface, messenger surface.Messenger, opts ...Option) (*Process, error) {
	if host == nil {
		return nil, errors.New("pisa: host surface is required")
	}
	if messenger == nil {
		return nil, errors.New("pisa: messenger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ka, err := crypto.NewKeyAgreement(cfg.Channel.Curve)
	if err != nil {
		return nil, err
	}
	pred, err := readiness.Compile(cfg.Readiness.Expression)
	if err != nil {
		return nil, err
	}
	var agent *semver.Constraints
	if cfg.Channel.AgentConstraint != "" {
		agent, err = semver.NewConstraint(cfg.Channel.AgentConstraint)
		if err != nil {
			return nil, fmt.Errorf("pisa: agent constraint %q: %w", cfg.Channel.AgentConstraint, err)
		}
	}

	p := &Process{
		cfg:       cfg,
		host:      host,
		messenger: surface.NewLimitedMessenger(messenger, rate.Limit(cfg.Messaging.RatePerSecond), cfg.Messaging.Burst),
		ka:        ka,
		ready:     pred,
		agent:     agent,
		policy:    cfg.RetryPolicy(),
		audit:     audit.Nop{},
		log:       slog.Default().With("component", "pisa"),
		clock:     time.Now,
		state:     StateNotStarted,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	return p, nil
}

// RunID returns the identifier bound into every stage of this run.
func (p *Process) RunID() string { return p.runID }

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stages returns a deep copy of the stages recorded so far.
func (p *Process) Stages() []StageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return chain.CloneAll(p.stages)
}

// SetIsolationGateway installs the isolation gateway. It is only legal before
// Execute starts.
func (p *Process) SetIsolationGateway(g isolation.Gateway) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrAlreadyExecuted
	}
	if p.started {
		return ErrRunInProgress
	}
	p.gateway = g
	return nil
}

// Abort cancels the run. It is idempotent and safe to call before, during or
// after Execute. Cleanup of page lockdown stays with the caller.
func (p *Process) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted || p.state.Terminal() {
		return
	}
	p.aborted = true
	if p.cancel != nil {
		p.cancel(ErrAborted)
	}
	p.log.Info("abort requested", "run_id", p.runID, "state", p.state)
}

// Execute runs the five stages against targetLocation. It never panics and
// never returns nil: every failure is reported in the Result.
func (p *Process) Execute(ctx context.Context, targetLocation, hostSessionID string) (res *Result) {
	start := p.clock()

	p.mu.Lock()
	if p.started {
		state := p.state
		p.mu.Unlock()
		return &Result{
			State:          state,
			RunID:          p.runID,
			HostSessionID:  hostSessionID,
			TargetLocation: targetLocation,
			Stages:         []StageRecord{},
			StartedAt:      start,
			Error:          ErrAlreadyExecuted.Error(),
			ErrorKind:      KindInternal,
			err:            ErrAlreadyExecuted,
		}
	}
	p.started = true
	runCtx, cancel := context.WithCancelCause(ctx)
	p.cancel = cancel
	if p.aborted {
		cancel(ErrAborted)
	}
	gateway := p.gateway
	p.mu.Unlock()

	r := &run{
		p:             p,
		id:            p.runID,
		target:        targetLocation,
		hostSessionID: hostSessionID,
		start:         start,
		gateway:       gateway,
		log:           p.log.With("run_id", p.runID),
	}

	runCtx, done := p.obs.TrackOperation(runCtx, "pisa.run")
	defer func() {
		if rec := recover(); rec != nil {
			res = r.finish(runCtx, stageErr(KindInternal, "", fmt.Errorf("%w: %v", ErrPanic, rec)))
			done(res.err)
		}
		r.wipe()
		cancel(nil)
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
	}()

	res = r.execute(runCtx)
	if res.Success {
		done(nil)
	} else {
		done(res.err)
	}
	return res
}

func (p *Process) emitInfo(ctx context.Context, event string, data map[string]interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Warn("audit emitter panicked", "event", event, "panic", rec)
		}
	}()
	p.audit.Info(ctx, auditCategory, event, data)
}

func (p *Process) emitError(ctx context.Context, event string, data map[string]interface{}, cause error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Warn("audit emitter panicked", "event", event, "panic", rec)
		}
	}()
	p.audit.Error(ctx, auditCategory, event, data, cause)
}
