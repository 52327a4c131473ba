package pisa

import (
	"encoding/json"
	"time"
)

// Result is the terminal artifact of one run. ChainHash and ChannelToken are
// set only when Success is true. Isolation fields are absent when the process
// ran without an isolation gateway.
type Result struct {
	Success         bool          `json:"success"`
	State           State         `json:"state"`
	RunID           string        `json:"runId"`
	HostSessionID   string        `json:"hostSessionId"`
	TargetLocation  string        `json:"targetLocation"`
	Stages          []StageRecord `json:"stages"`
	ChainHash       string        `json:"chainHash,omitempty"`
	ChainSeparator  string        `json:"chainSeparator,omitempty"`
	ChannelToken    string        `json:"channelToken,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	Error           string        `json:"error,omitempty"`
	ErrorKind       ErrorKind     `json:"errorKind,omitempty"`

	IsolationSnapshotHash       string   `json:"isolationSnapshotHash,omitempty"`
	DisabledInterfererIDs       []string `json:"disabledInterfererIds,omitempty"`
	NonDisableableInterfererIDs []string `json:"nonDisableableInterfererIds,omitempty"`

	isolated bool
	err      error
}

// MarshalJSON keeps the interferer lists, even when empty, for runs that
// activated isolation.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		DisabledInterfererIDs       *[]string `json:"disabledInterfererIds,omitempty"`
		NonDisableableInterfererIDs *[]string `json:"nonDisableableInterfererIds,omitempty"`
	}{plain: plain(r)}
	if r.isolated {
		disabled := nonNil(r.DisabledInterfererIDs)
		nonDisableable := nonNil(r.NonDisableableInterfererIDs)
		out.DisabledInterfererIDs = &disabled
		out.NonDisableableInterfererIDs = &nonDisableable
	}
	return json.Marshal(out)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Err returns the underlying error of a failed run, for errors.Is checks.
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	return r.err
}

// StageHashes returns the digests of the recorded stages in order.
func (r *Result) StageHashes() []string {
	out := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = s.Hash
	}
	return out
}
