package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := BackoffPolicy{
		PolicyID:    "default",
		BaseMs:      100,
		MaxMs:       30000,
		MaxJitterMs: 0, // Disable jitter for deterministic checks
		MaxAttempts: 5,
	}
	params := BackoffParams{PolicyID: "default", RunID: "run-1", Operation: "readiness"}

	want := []int64{100, 200, 400, 800}
	for i, w := range want {
		params.AttemptIndex = i
		assert.Equal(t, time.Duration(w)*time.Millisecond, ComputeBackoff(params, policy), "attempt %d", i)
	}
}

func TestComputeBackoff_Capped(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 500, MaxJitterMs: 0}
	params := BackoffParams{AttemptIndex: 10}
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(params, policy))

	params.AttemptIndex = 64
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(params, policy))
}

func TestDeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "p1", MaxJitterMs: 1000}
	params := BackoffParams{PolicyID: "p1", RunID: "r1", Operation: "exchange_keys"}

	j1 := ComputeDeterministicJitter(params, policy)
	j2 := ComputeDeterministicJitter(params, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, int64(0))
	assert.Less(t, j1, int64(1000))

	params.RunID = "r2"
	j3 := ComputeDeterministicJitter(params, policy)
	params.RunID = "r3"
	j4 := ComputeDeterministicJitter(params, policy)
	// Distinct seeds should not all collide.
	assert.False(t, j1 == j3 && j3 == j4)

	assert.Zero(t, ComputeDeterministicJitter(params, BackoffPolicy{}))
}

func TestSchedule(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 10, MaxMs: 1000, MaxAttempts: 4}
	s := Schedule(BackoffParams{}, policy)
	require.Len(t, s, 4)
	assert.Equal(t, time.Duration(0), s[0])
	assert.Equal(t, 20*time.Millisecond, s[1])
	assert.Equal(t, 40*time.Millisecond, s[2])
	assert.Equal(t, 80*time.Millisecond, s[3])

	assert.Len(t, Schedule(BackoffParams{}, BackoffPolicy{}), 1)
}

func fastPolicy(attempts int) BackoffPolicy {
	return BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 2, MaxAttempts: attempts}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), BackoffParams{}, func(ctx context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy(2), BackoffParams{}, func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStops(t *testing.T) {
	sentinel := errors.New("bad key")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), BackoffParams{}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), BackoffPolicy{}, BackoffParams{}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	cause := errors.New("aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	calls := 0
	err := Do(ctx, fastPolicy(3), BackoffParams{}, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, cause)
	assert.Zero(t, calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	cause := errors.New("aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	policy := BackoffPolicy{BaseMs: 10_000, MaxMs: 10_000, MaxAttempts: 3}

	start := time.Now()
	err := Do(ctx, policy, BackoffParams{}, func(ctx context.Context, attempt int) error {
		go cancel(cause)
		return errors.New("transient")
	})
	require.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.ErrorIs(t, p, base)
	assert.False(t, IsPermanent(base))
	assert.Equal(t, "x", p.Error())
}
