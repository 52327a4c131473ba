// Package pagesim is an in-process stand-in for a monitored tab and the agent
// running inside it. It performs the page side of the key exchange for real
// and only enters lockdown for a valid channel token. Failure modes are
// switched on through Options.
package pagesim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/canonicalize"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

const DefaultAgentVersion = "1.4.0"

const defaultContent = `<html><head><title>Example Domain</title></head><body><h1>Example Domain</h1><p>This domain is for use in illustrative examples.</p></body></html>`

// Options select page behaviour. The zero value is a healthy page.
type Options struct {
	// AgentVersion is reported during key exchange.
	AgentVersion string

	// Curve is answered during key exchange. Empty echoes the requested curve.
	Curve string

	// Content, ElementCount and FrameCount shape the lockdown baseline.
	Content      string
	ElementCount int
	FrameCount   int

	// NotReadyProbes makes the first N readiness probes report a loading page.
	NotReadyProbes int

	// DropMessages fails the first N round trips with surface.ErrDeliveryFailed.
	DropMessages int

	// Latency delays every reload and round trip. The delay honours ctx.
	Latency time.Duration

	// Stall blocks round trips for this long without watching ctx.
	Stall time.Duration

	UnavailableSurface      bool
	MalformedPeerKey        bool
	ShortServerNonce        bool
	RejectLockdown          bool
	InactiveLockdown        bool
	InvalidLockdownResponse bool

	// OnMessage observes every request before it is answered.
	OnMessage func(req surface.Envelope)
}

// Page implements surface.HostSurface and surface.Messenger.
type Page struct {
	mu         sync.Mutex
	opts       Options
	location   string
	pending    string
	reloads    int
	probes     int
	messages   int
	channelKey []byte
	lockdown   bool
	now        func() time.Time
}

// New creates a page.
func New(opts Options) *Page {
	if opts.AgentVersion == "" {
		opts.AgentVersion = DefaultAgentVersion
	}
	if opts.Content == "" {
		opts.Content = defaultContent
	}
	if opts.ElementCount == 0 {
		opts.ElementCount = strings.Count(opts.Content, "<") - strings.Count(opts.Content, "</")
	}
	return &Page{opts: opts, now: time.Now}
}

var (
	_ surface.HostSurface = (*Page)(nil)
	_ surface.Messenger   = (*Page)(nil)
)

func (p *Page) Reload(ctx context.Context, location string) error {
	if err := wait(ctx, p.opts.Latency); err != nil {
		return err
	}
	if p.opts.UnavailableSurface {
		return fmt.Errorf("%w: no tab for %s", surface.ErrSurfaceUnavailable, location)
	}
	if _, err := url.Parse(location); err != nil {
		return fmt.Errorf("%w: %v", surface.ErrSurfaceUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = location
	p.reloads++
	p.lockdown = false
	p.channelKey = nil
	return nil
}

func (p *Page) AwaitReloadComplete(ctx context.Context) (string, error) {
	if err := wait(ctx, p.opts.Latency); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == "" {
		return "", fmt.Errorf("%w: no reload in progress", surface.ErrSurfaceUnavailable)
	}
	p.location, p.pending = p.pending, ""
	return p.location, nil
}

func (p *Page) ProbeReadiness(ctx context.Context) (surface.ReadinessInfo, error) {
	if err := wait(ctx, p.opts.Latency); err != nil {
		return surface.ReadinessInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probes <= p.opts.NotReadyProbes {
		return surface.ReadinessInfo{
			DocumentReady:    false,
			ReadyState:       "loading",
			PendingResources: 3,
		}, nil
	}
	return surface.ReadinessInfo{
		DocumentReady: true,
		ReadyState:    "complete",
		FontsReady:    true,
		MediaSettled:  true,
	}, nil
}

// RoundTrip answers EXCHANGE_KEYS and ACTIVATE_LOCKDOWN requests.
func (p *Page) RoundTrip(ctx context.Context, req surface.Envelope) (surface.Envelope, error) {
	if p.opts.OnMessage != nil {
		p.opts.OnMessage(req)
	}
	if p.opts.Stall > 0 {
		time.Sleep(p.opts.Stall)
	}
	if err := wait(ctx, p.opts.Latency); err != nil {
		return surface.Envelope{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	if p.messages <= p.opts.DropMessages {
		return surface.Envelope{}, fmt.Errorf("%w: simulated drop %d", surface.ErrDeliveryFailed, p.messages)
	}
	if err := surface.ValidatePayload(req.Type, req.Payload); err != nil {
		return surface.NewErrorResponse(req, err.Error()), nil
	}

	switch req.Type {
	case surface.MsgExchangeKeys:
		return p.exchangeKeys(req)
	case surface.MsgActivateLockdown:
		return p.activateLockdown(req)
	default:
		return surface.NewErrorResponse(req, "unsupported message type"), nil
	}
}

func (p *Page) exchangeKeys(req surface.Envelope) (surface.Envelope, error) {
	var in surface.KeyExchangeRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return surface.NewErrorResponse(req, err.Error()), nil
	}
	clientPub, err := base64.StdEncoding.DecodeString(in.PublicKey)
	if err != nil {
		return surface.NewErrorResponse(req, "public key is not base64"), nil
	}
	clientNonce, err := base64.StdEncoding.DecodeString(in.ClientNonce)
	if err != nil {
		return surface.NewErrorResponse(req, "client nonce is not base64"), nil
	}

	curve := in.Curve
	if p.opts.Curve != "" {
		curve = p.opts.Curve
	}
	ka, err := crypto.NewKeyAgreement(curve)
	if err != nil {
		return surface.NewErrorResponse(req, err.Error()), nil
	}
	key, err := ka.Generate()
	if err != nil {
		return surface.Envelope{}, err
	}
	defer key.Discard()

	nonceSize := crypto.DefaultNonceSize
	if p.opts.ShortServerNonce {
		nonceSize = crypto.MinNonceSize
	}
	serverNonce, err := crypto.NewNonce(nonceSize)
	if err != nil {
		return surface.Envelope{}, err
	}
	if p.opts.ShortServerNonce {
		serverNonce = serverNonce[:8]
	}

	pub := key.PublicKeyBytes()
	if p.opts.MalformedPeerKey {
		pub = []byte("definitely not a curve point")
	} else if curve == in.Curve {
		shared, err := ka.DeriveShared(key, clientPub)
		if err != nil {
			return surface.NewErrorResponse(req, err.Error()), nil
		}
		channelKey, err := crypto.DeriveChannelKey(shared, clientNonce, serverNonce, "")
		crypto.Wipe(shared)
		if err != nil {
			return surface.Envelope{}, err
		}
		crypto.Wipe(p.channelKey)
		p.channelKey = channelKey
	}

	return surface.NewResponse(req, surface.KeyExchangeResponse{
		Curve:        curve,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		ServerNonce:  base64.StdEncoding.EncodeToString(serverNonce),
		AgentVersion: p.opts.AgentVersion,
	})
}

func (p *Page) activateLockdown(req surface.Envelope) (surface.Envelope, error) {
	if p.opts.RejectLockdown {
		return surface.NewErrorResponse(req, "lockdown refused by page"), nil
	}
	if p.channelKey == nil {
		return surface.NewErrorResponse(req, "no secure channel"), nil
	}
	if _, err := crypto.VerifyChannelToken(req.Token, p.channelKey, p.now()); err != nil {
		return surface.NewErrorResponse(req, "channel token rejected"), nil
	}
	var in surface.LockdownRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return surface.NewErrorResponse(req, err.Error()), nil
	}

	if p.opts.InvalidLockdownResponse {
		return surface.NewResponse(req, map[string]any{"active": "yes"})
	}

	active := !p.opts.InactiveLockdown
	p.lockdown = active
	return surface.NewResponse(req, surface.LockdownResponse{
		Active:      active,
		Protections: append([]string(nil), in.Protections...),
		Baseline: surface.Baseline{
			ContentHash:  canonicalize.HashString(p.opts.Content),
			ElementCount: p.opts.ElementCount,
			TextLength:   len(p.opts.Content),
			FrameCount:   p.opts.FrameCount,
		},
	})
}

// VerifyToken checks a channel token against the page's side of the channel.
func (p *Page) VerifyToken(token string) (*crypto.ChannelClaims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channelKey == nil {
		return nil, errors.New("pagesim: no secure channel")
	}
	return crypto.VerifyChannelToken(token, p.channelKey, p.now())
}

// LockdownActive reports whether the page is in lockdown.
func (p *Page) LockdownActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockdown
}

// Location returns the last settled location.
func (p *Page) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// Reloads returns how many reloads were requested.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Probes returns how many readiness probes were answered.
func (p *Page) Probes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
