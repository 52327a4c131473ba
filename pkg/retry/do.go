package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Func is one attempt. attempt starts at 0.
type Func func(ctx context.Context, attempt int) error

// Do calls fn until it succeeds, returns a permanent error, the policy's
// attempt budget is spent, or ctx is done. A cancelled ctx returns its cause.
func Do(ctx context.Context, policy BackoffPolicy, params BackoffParams, fn Func) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if params.PolicyID == "" {
		params.PolicyID = policy.PolicyID
	}

	var last error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			p := params
			p.AttemptIndex = attempt
			if err := sleep(ctx, ComputeBackoff(p, policy)); err != nil {
				return err
			}
		}
		if err := context.Cause(ctx); err != nil {
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		var p *permanentError
		if errors.As(last, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, policy.MaxAttempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
