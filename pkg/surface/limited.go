package surface

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// LimitedMessenger throttles round trips to the in-page context.
type LimitedMessenger struct {
	next    Messenger
	limiter *rate.Limiter
}

// NewLimitedMessenger wraps next with a token bucket of r events/second and burst b.
func NewLimitedMessenger(next Messenger, r rate.Limit, b int) *LimitedMessenger {
	return &LimitedMessenger{
		next:    next,
		limiter: rate.NewLimiter(r, b),
	}
}

// RoundTrip blocks until the limiter allows an event or ctx is done.
func (l *LimitedMessenger) RoundTrip(ctx context.Context, req Envelope) (Envelope, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return Envelope{}, cause
		}
		return Envelope{}, fmt.Errorf("%w: rate limit: %v", ErrDeliveryFailed, err)
	}
	return l.next.RoundTrip(ctx, req)
}
