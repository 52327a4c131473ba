// Package ledger persists initialization results so a sealed chain can be
// re-verified after the capture. Channel tokens and key material are never
// stored.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/chain"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/pisa"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is one persisted run.
type Entry struct {
	ID                    string    `json:"id"`
	RunID                 string    `json:"runId"`
	HostSessionID         string    `json:"hostSessionId"`
	TargetLocation        string    `json:"targetLocation"`
	Success               bool      `json:"success"`
	State                 string    `json:"state"`
	ErrorKind             string    `json:"errorKind,omitempty"`
	Error                 string    `json:"error,omitempty"`
	ChainHash             string    `json:"chainHash,omitempty"`
	Separator             string    `json:"chainSeparator,omitempty"`
	Stages                string    `json:"stages"`
	IsolationSnapshotHash string    `json:"isolationSnapshotHash,omitempty"`
	DurationMs            int64     `json:"totalDurationMs"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Store is the durable interface for seal entries.
type Store interface {
	// Put persists a new entry. RunID must be unique.
	Put(ctx context.Context, e Entry) error

	// Get retrieves the entry for a run.
	Get(ctx context.Context, runID string) (Entry, error)

	// List returns the newest entries first, at most limit.
	List(ctx context.Context, limit int) ([]Entry, error)
}

// FromResult converts a result into an entry stamped at now.
func FromResult(res *pisa.Result, now time.Time) (Entry, error) {
	if res == nil {
		return Entry{}, errors.New("ledger: nil result")
	}
	stages := res.Stages
	if stages == nil {
		stages = []pisa.StageRecord{}
	}
	raw, err := json.Marshal(stages)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: encode stages: %w", err)
	}
	return Entry{
		ID:                    uuid.NewString(),
		RunID:                 res.RunID,
		HostSessionID:         res.HostSessionID,
		TargetLocation:        res.TargetLocation,
		Success:               res.Success,
		State:                 string(res.State),
		ErrorKind:             string(res.ErrorKind),
		Error:                 res.Error,
		ChainHash:             res.ChainHash,
		Separator:             res.ChainSeparator,
		Stages:                string(raw),
		IsolationSnapshotHash: res.IsolationSnapshotHash,
		DurationMs:            res.TotalDurationMs,
		CreatedAt:             now.UTC(),
	}, nil
}

// Records decodes the stored stages. Numbers stay json.Number so digests
// recompute exactly.
func (e Entry) Records() ([]chain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(e.Stages)))
	dec.UseNumber()
	var out []chain.Record
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("ledger: decode stages of %s: %w", e.RunID, err)
	}
	return out, nil
}

// Verify re-checks the stored chain offline.
func (e Entry) Verify() (*chain.VerifyReport, error) {
	records, err := e.Records()
	if err != nil {
		return nil, err
	}
	return chain.Verify(records, e.ChainHash, e.Separator), nil
}
