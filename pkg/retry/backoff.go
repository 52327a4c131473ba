// Package retry runs transient round trips under an exponential backoff
// policy with capped delay and deterministic jitter.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one attempt. They seed the jitter so that a replayed
// run with the same identity waits exactly as long as the original.
type BackoffParams struct {
	PolicyID     string
	RunID        string
	Operation    string
	AttemptIndex int
}

type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used when a caller leaves the policy zero.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "default",
		BaseMs:      100,
		MaxMs:       2000,
		MaxJitterMs: 100,
		MaxAttempts: 3,
	}
}

// ComputeBackoff returns the delay before a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if policy.MaxMs > 0 && baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.PolicyID,
		params.RunID,
		params.Operation,
		params.AttemptIndex,
	)

	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}

// Schedule lists the delays Do would wait before each attempt. Attempt 0 never waits.
func Schedule(params BackoffParams, policy BackoffPolicy) []time.Duration {
	n := policy.MaxAttempts
	if n < 1 {
		n = 1
	}
	out := make([]time.Duration, n)
	for i := 1; i < n; i++ {
		p := params
		p.AttemptIndex = i
		out[i] = ComputeBackoff(p, policy)
	}
	return out
}
