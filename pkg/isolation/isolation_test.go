package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInterferers() []Interferer {
	return []Interferer{
		{ID: "ext-adblock", Name: "Ad blocker", Disableable: true},
		{ID: "ext-translate", Name: "Translator", Disableable: true},
		{ID: "policy-managed", Name: "Enterprise policy extension", Disableable: false},
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestManager_Activate(t *testing.T) {
	m := NewManager(testInterferers()).WithClock(fixedClock)

	res, err := m.Activate(context.Background(), "session-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.SnapshotHash, 64)
	assert.Equal(t, []string{"ext-adblock", "ext-translate"}, res.DisabledIDs)
	assert.Equal(t, []string{"policy-managed"}, res.NonDisableableIDs)

	assert.False(t, m.Enabled("ext-adblock"))
	assert.False(t, m.Enabled("ext-translate"))
	assert.True(t, m.Enabled("policy-managed"))

	status := m.CheckActive(context.Background())
	assert.True(t, status.IsActive)
	assert.Equal(t, "session-1", status.SessionID)
	assert.Equal(t, res.SnapshotHash, status.SnapshotHash)
}

func TestManager_SnapshotHashIsDeterministic(t *testing.T) {
	a, err := NewManager(testInterferers()).WithClock(fixedClock).Activate(context.Background(), "s")
	require.NoError(t, err)
	b, err := NewManager(testInterferers()).WithClock(fixedClock).Activate(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, a.SnapshotHash, b.SnapshotHash)

	c, err := NewManager(testInterferers()).WithClock(fixedClock).Activate(context.Background(), "other")
	require.NoError(t, err)
	assert.NotEqual(t, a.SnapshotHash, c.SnapshotHash)
}

func TestManager_ActivateTwice(t *testing.T) {
	m := NewManager(testInterferers())
	_, err := m.Activate(context.Background(), "s")
	require.NoError(t, err)

	res, err := m.Activate(context.Background(), "s")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.False(t, res.Success)
}

func TestManager_EmptySession(t *testing.T) {
	res, err := NewManager(nil).Activate(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptySession)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewManager(testInterferers()).Activate(ctx, "s")
	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_Deactivate(t *testing.T) {
	m := NewManager(testInterferers())
	m.Deactivate(context.Background())

	_, err := m.Activate(context.Background(), "s")
	require.NoError(t, err)
	m.Deactivate(context.Background())

	assert.True(t, m.Enabled("ext-adblock"))
	assert.True(t, m.Enabled("ext-translate"))
	assert.False(t, m.CheckActive(context.Background()).IsActive)
	_, ok := m.Snapshot()
	assert.False(t, ok)

	_, err = m.Activate(context.Background(), "again")
	assert.NoError(t, err)
}

func TestFuncs(t *testing.T) {
	var empty Funcs
	res, err := empty.Activate(context.Background(), "s")
	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.False(t, res.Success)
	assert.False(t, empty.CheckActive(context.Background()).IsActive)
	empty.Deactivate(context.Background())

	deactivated := false
	g := Funcs{
		ActivateFunc: func(context.Context, string) (ActivationResult, error) {
			return ActivationResult{}, errors.New("boom")
		},
		CheckActiveFunc: func(context.Context) StatusResult { return StatusResult{IsActive: true} },
		DeactivateFunc:  func(context.Context) { deactivated = true },
	}
	_, err = g.Activate(context.Background(), "s")
	assert.EqualError(t, err, "boom")
	assert.True(t, g.CheckActive(context.Background()).IsActive)
	g.Deactivate(context.Background())
	assert.True(t, deactivated)
}
