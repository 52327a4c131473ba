package pisa

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/canonicalize"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/chain"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/isolation"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/retry"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

// ReloadMarkerParam is appended to the reload location so the settled page
// can be tied to this run.
const ReloadMarkerParam = "__pisa_reload"

const reloadMarkerSize = 16

// run holds the per-Execute working state. Only the Execute goroutine
// touches it.
type run struct {
	p             *Process
	id            string
	target        string
	hostSessionID string
	start         time.Time
	gateway       isolation.Gateway
	log           *slog.Logger

	isolated   bool
	activation isolation.ActivationResult

	curve        string
	channelKey   []byte
	channelToken string
	lastTS       int64
}

func (r *run) execute(ctx context.Context) *Result {
	p := r.p
	r.log.Info("initialization started", "target", r.target, "isolation", r.gateway != nil)

	if err := p.transition(StateIsolating); err != nil {
		return r.finish(ctx, stageErr(KindInternal, "", err))
	}
	if err := r.isolate(ctx); err != nil {
		return r.finish(ctx, err)
	}

	for i, stage := range StageOrder {
		if err := r.checkpoint(ctx, stage); err != nil {
			return r.finish(ctx, err)
		}
		if err := p.transition(stageState(i)); err != nil {
			return r.finish(ctx, stageErr(KindInternal, stage, err))
		}
		if err := r.runStage(ctx, i, stage); err != nil {
			return r.finish(ctx, err)
		}
	}
	return r.seal(ctx)
}

func (r *run) isolate(ctx context.Context) error {
	p := r.p
	if err := context.Cause(ctx); err != nil {
		return stageErr(KindAborted, "", err)
	}
	if r.gateway == nil {
		r.log.Warn("no isolation gateway configured, running without isolation")
		p.emitInfo(ctx, "ISOLATION_NOT_CONFIGURED", map[string]interface{}{"run_id": r.id})
		return nil
	}

	actx, cancel := context.WithTimeoutCause(ctx, p.cfg.Timeouts.Stage, ErrStageTimeout)
	defer cancel()
	res, err := race(actx, func(ctx context.Context) (isolation.ActivationResult, error) {
		return r.gateway.Activate(ctx, r.hostSessionID)
	})
	if cause := context.Cause(ctx); cause != nil {
		return stageErr(KindAborted, "", cause)
	}
	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "gateway reported failure"
		}
		err = errors.New(msg)
	}
	if err != nil {
		return stageErr(KindIsolationActivation, "", fmt.Errorf("%w: %w", ErrIsolationActivation, err))
	}

	r.isolated = true
	r.activation = res
	r.log.Info("isolation active",
		"snapshot_hash", res.SnapshotHash,
		"disabled", len(res.DisabledIDs),
		"non_disableable", len(res.NonDisableableIDs),
	)
	p.emitInfo(ctx, "ISOLATION_ACTIVATED", map[string]interface{}{
		"run_id":                r.id,
		"snapshot_hash":         res.SnapshotHash,
		"disabled_interferers":  res.DisabledIDs,
		"non_disableable_count": len(res.NonDisableableIDs),
	})
	return nil
}

// checkpoint runs before every stage: abort first, then isolation.
func (r *run) checkpoint(ctx context.Context, stage Stage) error {
	if err := context.Cause(ctx); err != nil {
		return stageErr(KindAborted, stage, err)
	}
	if !r.isolated || stage == StagePreReload {
		return nil
	}
	status := r.gateway.CheckActive(ctx)
	if !status.IsActive {
		return stageErr(KindIsolationLost, stage, ErrIsolationInactive)
	}
	if status.SnapshotHash != "" && status.SnapshotHash != r.activation.SnapshotHash {
		return stageErr(KindIsolationLost, stage,
			fmt.Errorf("%w: snapshot changed from %s to %s", ErrIsolationInactive, r.activation.SnapshotHash, status.SnapshotHash))
	}
	return nil
}

func (r *run) runStage(ctx context.Context, i int, stage Stage) (err error) {
	p := r.p
	ctx, done := p.obs.TrackOperation(ctx, "pisa.stage",
		attribute.String("pisa.stage", string(stage)),
		attribute.Int("pisa.stage.index", i),
	)
	defer func() { done(err) }()

	started := p.clock()
	var data map[string]any
	switch stage {
	case StagePreReload:
		data, err = r.preReload(ctx)
	case StagePostReload:
		data, err = r.postReload(ctx)
	case StageLoaded:
		data, err = r.loaded(ctx)
	case StageSecureChannel:
		data, err = r.secureChannel(ctx)
	case StageLockdown:
		data, err = r.lockdown(ctx)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		return stageErr(KindInternal, stage, err)
	}

	rec, err := r.record(stage, data)
	if err != nil {
		return stageErr(KindInternal, stage, err)
	}
	if stage == StageSecureChannel {
		if err := r.issueToken(rec); err != nil {
			return stageErr(KindKeyAgreement, stage, err)
		}
	}

	r.log.Info("stage complete",
		"stage", stage,
		"hash", rec.Hash,
		"duration_ms", p.clock().Sub(started).Milliseconds(),
	)
	p.emitInfo(ctx, fmt.Sprintf("STAGE_%d_COMPLETE", i), map[string]interface{}{
		"run_id":    r.id,
		"stage":     string(stage),
		"hash":      rec.Hash,
		"timestamp": rec.Timestamp,
	})
	return nil
}

// record links data to the previous stage, digests it and appends it.
func (r *run) record(stage Stage, data map[string]any) (StageRecord, error) {
	p := r.p
	p.mu.Lock()
	if n := len(p.stages); n > 0 {
		data[chain.PreviousHashKey] = p.stages[n-1].Hash
	}
	p.mu.Unlock()

	hash, err := chain.Digest(data)
	if err != nil {
		return StageRecord{}, err
	}
	ts := p.clock().UnixMilli()
	if ts < r.lastTS {
		ts = r.lastTS
	}
	r.lastTS = ts

	rec := StageRecord{Name: stage, Data: data, Hash: hash, Timestamp: ts}
	p.mu.Lock()
	p.stages = append(p.stages, rec)
	p.mu.Unlock()
	return rec, nil
}

func (r *run) preReload(ctx context.Context) (map[string]any, error) {
	p := r.p
	loc, err := normalizeLocation(r.target)
	if err != nil {
		return nil, stageErr(KindSurfaceUnavailable, StagePreReload, err)
	}
	r.target = loc

	data := map[string]any{
		"targetLocation":  loc,
		"sessionIdentity": canonicalize.HashString(r.hostSessionID),
		"runId":           r.id,
		"protocolVersion": p.cfg.Channel.ProtocolVersion,
	}
	if r.isolated {
		data["isolationSnapshotHash"] = r.activation.SnapshotHash
	}
	return data, nil
}

func (r *run) postReload(ctx context.Context) (map[string]any, error) {
	p := r.p
	marker, err := crypto.NewNonce(reloadMarkerSize)
	if err != nil {
		return nil, stageErr(KindInternal, StagePostReload, err)
	}
	location, err := withReloadMarker(r.target, hex.EncodeToString(marker))
	if err != nil {
		return nil, stageErr(KindSurfaceUnavailable, StagePostReload, err)
	}

	settled, err := roundTrip(ctx, r, "reload", p.cfg.Timeouts.PageLoad, ErrReadinessTimeout,
		func(ctx context.Context) (string, error) {
			if err := p.host.Reload(ctx, location); err != nil {
				return "", err
			}
			return p.host.AwaitReloadComplete(ctx)
		})
	if err != nil {
		return nil, stageErr(classify(err, KindSurfaceUnavailable), StagePostReload, err)
	}
	return map[string]any{
		"reloadedLocation": settled,
		"reloadMarker":     hex.EncodeToString(marker),
	}, nil
}

func (r *run) loaded(ctx context.Context) (map[string]any, error) {
	p := r.p
	info, err := roundTrip(ctx, r, "probe_readiness", p.cfg.Timeouts.Stage, ErrReadinessTimeout,
		func(ctx context.Context) (surface.ReadinessInfo, error) {
			info, err := p.host.ProbeReadiness(ctx)
			if err != nil {
				return info, err
			}
			ok, err := p.ready.Ready(ctx, info)
			if err != nil {
				return info, err
			}
			if !ok {
				return info, fmt.Errorf("%w: readyState=%q pending=%d", ErrNotReady, info.ReadyState, info.PendingResources)
			}
			return info, nil
		})
	if err != nil {
		return nil, stageErr(classify(err, KindReadinessTimeout), StageLoaded, err)
	}
	return map[string]any{
		"documentReady":    info.DocumentReady,
		"readyState":       info.ReadyState,
		"fontsReady":       info.FontsReady,
		"mediaSettled":     info.MediaSettled,
		"pendingResources": info.PendingResources,
	}, nil
}

func (r *run) secureChannel(ctx context.Context) (map[string]any, error) {
	p := r.p
	fail := func(err error) error {
		return stageErr(classify(err, KindKeyAgreement), StageSecureChannel, err)
	}

	key, err := p.ka.Generate()
	if err != nil {
		return nil, fail(err)
	}
	defer key.Discard()
	clientNonce, err := crypto.NewNonce(p.cfg.Channel.NonceSize)
	if err != nil {
		return nil, fail(err)
	}
	pub := key.PublicKeyBytes()

	req, err := surface.NewRequest(surface.MsgExchangeKeys, r.messageID("exchange-keys"), "", surface.KeyExchangeRequest{
		ProtocolVersion: p.cfg.Channel.ProtocolVersion,
		Curve:           p.ka.Curve(),
		PublicKey:       base64.StdEncoding.EncodeToString(pub),
		ClientNonce:     base64.StdEncoding.EncodeToString(clientNonce),
	})
	if err != nil {
		return nil, fail(err)
	}
	resp, err := roundTrip(ctx, r, "exchange_keys", p.cfg.Timeouts.SecureChannel, ErrChannelTimeout,
		func(ctx context.Context) (surface.KeyExchangeResponse, error) {
			var out surface.KeyExchangeResponse
			err := surface.Exchange(ctx, p.messenger, req, &out)
			return out, err
		})
	if err != nil {
		return nil, fail(err)
	}

	if resp.Curve != p.ka.Curve() {
		return nil, fail(fmt.Errorf("%w: requested %s, peer answered %s", crypto.ErrCurveMismatch, p.ka.Curve(), resp.Curve))
	}
	if err := r.checkAgent(resp.AgentVersion); err != nil {
		return nil, fail(err)
	}
	peerPub, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", crypto.ErrMalformedPeerKey, err))
	}
	serverNonce, err := base64.StdEncoding.DecodeString(resp.ServerNonce)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: server nonce: %v", surface.ErrProtocolViolation, err))
	}
	if len(serverNonce) < crypto.MinNonceSize {
		return nil, fail(fmt.Errorf("%w: server nonce has %d bytes", crypto.ErrNonceTooShort, len(serverNonce)))
	}

	shared, err := p.ka.DeriveShared(key, peerPub)
	if err != nil {
		return nil, fail(err)
	}
	channelKey, err := crypto.DeriveChannelKey(shared, clientNonce, serverNonce, crypto.ChannelKeyInfo)
	crypto.Wipe(shared)
	if err != nil {
		return nil, fail(err)
	}
	r.channelKey = channelKey
	r.curve = resp.Curve

	return map[string]any{
		"curve":             resp.Curve,
		"publicKeyHash":     canonicalize.HashBytes(pub),
		"peerPublicKeyHash": canonicalize.HashBytes(peerPub),
		"clientNonceHash":   canonicalize.HashBytes(clientNonce),
		"serverNonceHash":   canonicalize.HashBytes(serverNonce),
		"agentVersion":      resp.AgentVersion,
	}, nil
}

// issueToken binds the channel token to the SECURE_CHANNEL digest. The
// channel key is only held until the token is signed.
func (r *run) issueToken(rec StageRecord) error {
	p := r.p
	defer r.wipe()
	token, err := crypto.IssueChannelToken(r.channelKey, crypto.ChannelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: r.hostSessionID,
			ID:      r.id,
		},
		Anchor: rec.Hash,
		Curve:  r.curve,
	}, p.clock(), p.cfg.Channel.TokenTTL)
	if err != nil {
		return err
	}
	r.channelToken = token
	return nil
}

func (r *run) lockdown(ctx context.Context) (map[string]any, error) {
	p := r.p
	fail := func(err error) error {
		err = fmt.Errorf("%w: %w", ErrLockdownFailed, err)
		return stageErr(classify(err, KindLockdownActivation), StageLockdown, err)
	}

	protections := p.cfg.Channel.Protections
	req, err := surface.NewRequest(surface.MsgActivateLockdown, r.messageID("activate-lockdown"), r.channelToken,
		surface.LockdownRequest{Protections: protections})
	if err != nil {
		return nil, fail(err)
	}
	resp, err := roundTrip(ctx, r, "activate_lockdown", p.cfg.Timeouts.Stage, ErrStageTimeout,
		func(ctx context.Context) (surface.LockdownResponse, error) {
			var out surface.LockdownResponse
			err := surface.Exchange(ctx, p.messenger, req, &out)
			return out, err
		})
	if err != nil {
		return nil, fail(err)
	}
	if !resp.Active {
		return nil, fail(errors.New("page reported lockdown inactive"))
	}
	if missing := missingProtections(protections, resp.Protections); len(missing) > 0 {
		return nil, fail(fmt.Errorf("protections not active: %s", strings.Join(missing, ", ")))
	}

	return map[string]any{
		"protections": append([]string(nil), resp.Protections...),
		"baseline": map[string]any{
			"contentHash":  resp.Baseline.ContentHash,
			"elementCount": resp.Baseline.ElementCount,
			"textLength":   resp.Baseline.TextLength,
			"frameCount":   resp.Baseline.FrameCount,
		},
	}, nil
}

func (r *run) checkAgent(version string) error {
	p := r.p
	if p.agent == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrAgentVersion, version, err)
	}
	if !p.agent.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %q", ErrAgentVersion, v, p.cfg.Channel.AgentConstraint)
	}
	return nil
}

func (r *run) messageID(op string) string {
	return r.id + ":" + op
}

func (r *run) seal(ctx context.Context) *Result {
	p := r.p
	sep := p.cfg.Chain.Separator
	if sep == "" {
		sep = chain.DefaultSeparator
	}
	sealed, err := chain.Assemble(chain.Hashes(p.Stages()), sep)
	if err != nil {
		return r.finish(ctx, stageErr(KindInternal, "", err))
	}

	p.mu.Lock()
	if p.aborted || ctx.Err() != nil {
		p.mu.Unlock()
		return r.finish(ctx, stageErr(KindAborted, "", ErrAborted))
	}
	if !CanTransition(p.state, StateSealed) {
		from := p.state
		p.mu.Unlock()
		return r.finish(ctx, stageErr(KindInternal, "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, StateSealed)))
	}
	p.state = StateSealed
	stages := chain.CloneAll(p.stages)
	p.mu.Unlock()

	res := r.result(StateSealed, stages)
	res.Success = true
	res.ChainHash = sealed
	res.ChainSeparator = sep
	res.ChannelToken = r.channelToken

	r.log.Info("initialization sealed", "chain_hash", sealed, "duration_ms", res.TotalDurationMs)
	p.emitInfo(ctx, "PISA_SEALED", map[string]interface{}{
		"run_id":      r.id,
		"chain_hash":  sealed,
		"duration_ms": res.TotalDurationMs,
	})
	return res
}

// finish moves the process to FAILED or ABORTED and builds the result. A
// failure observed after an abort request is reported as an abort.
func (r *run) finish(ctx context.Context, err error) *Result {
	p := r.p
	kind := KindOf(err)
	if errors.Is(context.Cause(ctx), ErrAborted) {
		kind = KindAborted
	}
	state := StateFailed
	if kind == KindAborted {
		state = StateAborted
	}

	p.mu.Lock()
	if !p.state.Terminal() {
		p.state = state
	}
	state = p.state
	stages := chain.CloneAll(p.stages)
	p.mu.Unlock()

	res := r.result(state, stages)
	res.Error = err.Error()
	res.ErrorKind = kind
	res.err = err

	event := "PISA_FAILED"
	if state == StateAborted {
		event = "PISA_ABORTED"
		r.log.Info("initialization aborted", "stages", len(stages))
	} else {
		r.log.Warn("initialization failed", "kind", kind, "error", err, "stages", len(stages))
	}
	p.emitError(ctx, event, map[string]interface{}{
		"run_id":     r.id,
		"error_kind": string(kind),
		"stages":     len(stages),
	}, err)
	return res
}

func (r *run) result(state State, stages []StageRecord) *Result {
	if stages == nil {
		stages = []StageRecord{}
	}
	res := &Result{
		State:           state,
		RunID:           r.id,
		HostSessionID:   r.hostSessionID,
		TargetLocation:  r.target,
		Stages:          stages,
		StartedAt:       r.start,
		TotalDurationMs: r.p.clock().Sub(r.start).Milliseconds(),
	}
	if r.isolated {
		res.IsolationSnapshotHash = r.activation.SnapshotHash
		res.isolated = true
		res.DisabledInterfererIDs = append([]string{}, r.activation.DisabledIDs...)
		res.NonDisableableInterfererIDs = append([]string{}, r.activation.NonDisableableIDs...)
	}
	return res
}

func (r *run) wipe() {
	crypto.Wipe(r.channelKey)
	r.channelKey = nil
}

// race runs fn in its own goroutine and returns when it finishes or ctx is
// done, whichever comes first. A panic in fn is returned as ErrPanic.
func race[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if rec := recover(); rec != nil {
				o.err = fmt.Errorf("%w: %v", ErrPanic, rec)
			}
			ch <- o
		}()
		o.v, o.err = fn(ctx)
	}()

	var zero T
	select {
	case o := <-ch:
		if o.err == nil && ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return o.v, o.err
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

// roundTrip retries fn under the process retry policy, bounding every
// attempt by timeout. Expiry of an attempt surfaces as timeoutErr.
func roundTrip[T any](ctx context.Context, r *run, op string, timeout time.Duration, timeoutErr error, fn func(context.Context) (T, error)) (T, error) {
	var out T
	params := retry.BackoffParams{RunID: r.id, Operation: op}
	err := retry.Do(ctx, r.p.policy, params, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeoutCause(ctx, timeout, timeoutErr)
		defer cancel()

		v, err := race(actx, fn)
		if err == nil {
			out = v
			return nil
		}
		if cause := context.Cause(ctx); cause != nil {
			return retry.Permanent(cause)
		}
		if actx.Err() != nil {
			err = context.Cause(actx)
		}
		if !transient(err) {
			return retry.Permanent(err)
		}
		r.log.Warn("round trip failed", "op", op, "attempt", attempt, "error", err)
		return err
	})
	return out, err
}

func normalizeLocation(raw string) (string, error) {
	loc := norm.NFC.String(strings.TrimSpace(raw))
	if loc == "" {
		return "", fmt.Errorf("%w: empty target location", surface.ErrSurfaceUnavailable)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", surface.ErrSurfaceUnavailable, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return "", fmt.Errorf("%w: %q is not an absolute location", surface.ErrSurfaceUnavailable, loc)
	}
	return loc, nil
}

func withReloadMarker(location, marker string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: %v", surface.ErrSurfaceUnavailable, err)
	}
	param := ReloadMarkerParam + "=" + url.QueryEscape(marker)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String(), nil
}

func missingProtections(requested, active []string) []string {
	have := make(map[string]bool, len(active))
	for _, p := range active {
		have[p] = true
	}
	var missing []string
	for _, p := range requested {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	return missing
}
