package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/canonicalize"
)

// Interferer is a piece of software that could tamper with the capture surface.
type Interferer struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Disableable bool   `json:"disableable" yaml:"disableable"`
}

// Snapshot records what activation changed. Its canonical hash is the
// snapshot hash reported to the initialization process.
type Snapshot struct {
	SessionID      string    `json:"sessionId"`
	ActivatedAt    time.Time `json:"activatedAt"`
	Disabled       []string  `json:"disabled"`
	NonDisableable []string  `json:"nonDisableable"`
}

// Manager is an in-memory isolation manager. It disables every disableable
// interferer on Activate and restores them on Deactivate.
type Manager struct {
	mu          sync.RWMutex
	interferers []Interferer
	enabled     map[string]bool
	active      bool
	snapshot    *Snapshot
	hash        string
	clock       func() time.Time
	log         *slog.Logger
}

// NewManager creates a manager over the given interferers, all initially enabled.
func NewManager(interferers []Interferer) *Manager {
	m := &Manager{
		interferers: append([]Interferer(nil), interferers...),
		enabled:     make(map[string]bool, len(interferers)),
		clock:       time.Now,
		log:         slog.Default().With("component", "isolation"),
	}
	for _, i := range interferers {
		m.enabled[i.ID] = true
	}
	return m
}

// WithClock overrides the clock used to stamp snapshots.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Activate disables interferers and hashes the resulting snapshot.
func (m *Manager) Activate(ctx context.Context, sessionID string) (ActivationResult, error) {
	if sessionID == "" {
		return ActivationResult{Error: ErrEmptySession.Error()}, ErrEmptySession
	}
	if err := ctx.Err(); err != nil {
		return ActivationResult{Error: err.Error()}, fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return ActivationResult{Error: ErrAlreadyActive.Error()}, ErrAlreadyActive
	}

	snap := Snapshot{
		SessionID:      sessionID,
		ActivatedAt:    m.clock().UTC(),
		Disabled:       []string{},
		NonDisableable: []string{},
	}
	for _, i := range m.interferers {
		if !m.enabled[i.ID] {
			continue
		}
		if i.Disableable {
			m.enabled[i.ID] = false
			snap.Disabled = append(snap.Disabled, i.ID)
		} else {
			snap.NonDisableable = append(snap.NonDisableable, i.ID)
		}
	}
	sort.Strings(snap.Disabled)
	sort.Strings(snap.NonDisableable)

	hash, err := canonicalize.CanonicalHash(snap)
	if err != nil {
		m.restoreLocked(snap.Disabled)
		return ActivationResult{Error: err.Error()}, fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}

	m.active = true
	m.snapshot = &snap
	m.hash = hash
	m.log.Info("isolation activated",
		"session_id", sessionID,
		"disabled", len(snap.Disabled),
		"non_disableable", len(snap.NonDisableable),
	)

	return ActivationResult{
		Success:           true,
		SnapshotHash:      hash,
		DisabledIDs:       append([]string(nil), snap.Disabled...),
		NonDisableableIDs: append([]string(nil), snap.NonDisableable...),
	}, nil
}

func (m *Manager) CheckActive(ctx context.Context) StatusResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.active {
		return StatusResult{}
	}
	return StatusResult{
		IsActive:     true,
		SessionID:    m.snapshot.SessionID,
		DisabledIDs:  append([]string(nil), m.snapshot.Disabled...),
		SnapshotHash: m.hash,
	}
}

// Deactivate re-enables what Activate disabled. Calling it while inactive is a no-op.
func (m *Manager) Deactivate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.restoreLocked(m.snapshot.Disabled)
	m.log.Info("isolation deactivated", "session_id", m.snapshot.SessionID)
	m.active = false
	m.snapshot = nil
	m.hash = ""
}

// Enabled reports whether the interferer is currently running.
func (m *Manager) Enabled(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[id]
}

// Snapshot returns the current snapshot, if active.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return Snapshot{}, false
	}
	return *m.snapshot, true
}

func (m *Manager) restoreLocked(ids []string) {
	for _, id := range ids {
		m.enabled[id] = true
	}
}
