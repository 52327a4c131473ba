package pisa

import (
	"context"
	"errors"
	"fmt"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

// ErrorKind classifies why a run did not seal.
type ErrorKind string

const (
	KindIsolationActivation ErrorKind = "ISOLATION_ACTIVATION_FAILURE"
	KindIsolationLost       ErrorKind = "ISOLATION_LOST"
	KindSurfaceUnavailable  ErrorKind = "SURFACE_UNAVAILABLE"
	KindReadinessTimeout    ErrorKind = "READINESS_TIMEOUT"
	KindChannelTimeout      ErrorKind = "CHANNEL_TIMEOUT"
	KindStageTimeout        ErrorKind = "STAGE_TIMEOUT"
	KindKeyAgreement        ErrorKind = "KEY_AGREEMENT_FAILURE"
	KindLockdownActivation  ErrorKind = "LOCKDOWN_ACTIVATION_FAILURE"
	KindAborted             ErrorKind = "ABORTED"
	KindProtocolViolation   ErrorKind = "PROTOCOL_VIOLATION"
	KindInternal            ErrorKind = "INTERNAL"
)

var (
	ErrIsolationActivation = errors.New("failed to activate isolation")
	ErrIsolationInactive   = errors.New("isolation is not active")
	ErrAborted             = errors.New("initialization aborted")
	ErrLockdownFailed      = errors.New("lockdown activation failed")
	ErrReadinessTimeout    = errors.New("readiness timeout")
	ErrChannelTimeout      = errors.New("secure channel timeout")
	ErrStageTimeout        = errors.New("stage timeout")
	ErrNotReady            = errors.New("surface not ready")
	ErrAgentVersion        = errors.New("page agent version not accepted")
	ErrAlreadyExecuted     = errors.New("process already executed")
	ErrRunInProgress       = errors.New("process run in progress")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrPanic               = errors.New("collaborator panicked")
)

// StageError carries the error kind and the stage that failed. Stage is empty
// for failures outside a stage, such as isolation activation.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind ErrorKind, stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind carried by err, classifying bare errors by their sentinels.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err, KindInternal)
}

// classify maps a collaborator error to a kind. fallback is used for
// anything unrecognised.
func classify(err error, fallback ErrorKind) ErrorKind {
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrReadinessTimeout), errors.Is(err, ErrNotReady):
		return KindReadinessTimeout
	case errors.Is(err, ErrChannelTimeout):
		return KindChannelTimeout
	case errors.Is(err, ErrStageTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindStageTimeout
	case errors.Is(err, surface.ErrSurfaceUnavailable):
		return KindSurfaceUnavailable
	case errors.Is(err, ErrIsolationActivation):
		return KindIsolationActivation
	case errors.Is(err, ErrIsolationInactive):
		return KindIsolationLost
	case errors.Is(err, crypto.ErrMalformedPeerKey),
		errors.Is(err, crypto.ErrCurveMismatch),
		errors.Is(err, crypto.ErrNonceTooShort),
		errors.Is(err, crypto.ErrUnsupportedCurve):
		return KindKeyAgreement
	case errors.Is(err, ErrLockdownFailed):
		return KindLockdownActivation
	case errors.Is(err, surface.ErrProtocolViolation), errors.Is(err, ErrAgentVersion):
		return KindProtocolViolation
	case errors.Is(err, ErrPanic):
		return KindInternal
	default:
		return fallback
	}
}

// transient reports whether a round trip failure is worth another attempt.
func transient(err error) bool {
	return errors.Is(err, surface.ErrDeliveryFailed) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrReadinessTimeout) ||
		errors.Is(err, ErrChannelTimeout) ||
		errors.Is(err, ErrStageTimeout)
}
