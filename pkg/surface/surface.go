// Package surface defines the two collaborators the initialization process
// talks to: the host surface (reload, readiness) and the in-page context,
// reached only through typed round-trip messages.
package surface

import (
	"context"
	"errors"
)

var (
	// ErrSurfaceUnavailable means the target tab or location cannot be resolved.
	ErrSurfaceUnavailable = errors.New("surface unavailable")
	// ErrDeliveryFailed is a transient messaging failure; callers may retry.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrProtocolViolation means the peer answered with a malformed message.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPeerRejected means the peer answered with an explicit error.
	ErrPeerRejected = errors.New("peer rejected request")
)

// ReadinessInfo is the result of a readiness probe.
type ReadinessInfo struct {
	DocumentReady    bool   `json:"documentReady"`
	ReadyState       string `json:"readyState"`
	FontsReady       bool   `json:"fontsReady"`
	MediaSettled     bool   `json:"mediaSettled"`
	PendingResources int    `json:"pendingResources"`
}

// HostSurface controls the monitored tab. Deadlines come from ctx.
type HostSurface interface {
	Reload(ctx context.Context, location string) error
	// AwaitReloadComplete blocks until the reload settles and returns the final location.
	AwaitReloadComplete(ctx context.Context) (string, error)
	ProbeReadiness(ctx context.Context) (ReadinessInfo, error)
}

// Messenger carries one request envelope to the in-page context and returns its response.
type Messenger interface {
	RoundTrip(ctx context.Context, req Envelope) (Envelope, error)
}

// MessengerFunc adapts a function to Messenger.
type MessengerFunc func(ctx context.Context, req Envelope) (Envelope, error)

func (f MessengerFunc) RoundTrip(ctx context.Context, req Envelope) (Envelope, error) {
	return f(ctx, req)
}
