// Package isolation defines the gateway the initialization process uses to
// establish and check environment isolation, plus a reference in-memory
// isolation manager.
package isolation

import (
	"context"
	"errors"
)

var (
	ErrActivationFailed = errors.New("isolation activation failed")
	ErrNotActive        = errors.New("isolation is not active")
	ErrAlreadyActive    = errors.New("isolation already active")
	ErrEmptySession     = errors.New("isolation session id is empty")
)

// ActivationResult is returned by Activate.
type ActivationResult struct {
	Success           bool     `json:"success"`
	SnapshotHash      string   `json:"snapshotHash,omitempty"`
	DisabledIDs       []string `json:"disabledInterfererIds,omitempty"`
	NonDisableableIDs []string `json:"nonDisableableInterfererIds,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// StatusResult is returned by CheckActive.
type StatusResult struct {
	IsActive     bool     `json:"isActive"`
	SessionID    string   `json:"sessionId,omitempty"`
	DisabledIDs  []string `json:"disabledInterfererIds,omitempty"`
	SnapshotHash string   `json:"snapshotHash,omitempty"`
}

// Gateway is the isolation contract. CheckActive must be cheap. Deactivate is
// best effort and is invoked by whoever finishes the capture, not by the
// initialization process.
type Gateway interface {
	Activate(ctx context.Context, sessionID string) (ActivationResult, error)
	CheckActive(ctx context.Context) StatusResult
	Deactivate(ctx context.Context)
}

// Funcs adapts three callbacks to a Gateway. A nil CheckActiveFunc reports
// inactive; a nil DeactivateFunc is a no-op.
type Funcs struct {
	ActivateFunc    func(ctx context.Context, sessionID string) (ActivationResult, error)
	CheckActiveFunc func(ctx context.Context) StatusResult
	DeactivateFunc  func(ctx context.Context)
}

func (f Funcs) Activate(ctx context.Context, sessionID string) (ActivationResult, error) {
	if f.ActivateFunc == nil {
		return ActivationResult{Success: false, Error: "no activator"}, ErrActivationFailed
	}
	return f.ActivateFunc(ctx, sessionID)
}

func (f Funcs) CheckActive(ctx context.Context) StatusResult {
	if f.CheckActiveFunc == nil {
		return StatusResult{}
	}
	return f.CheckActiveFunc(ctx)
}

func (f Funcs) Deactivate(ctx context.Context) {
	if f.DeactivateFunc != nil {
		f.DeactivateFunc(ctx)
	}
}
