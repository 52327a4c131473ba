// Package chain holds the hash-chained stage records of an initialization run,
// the assembler that seals them into a single chain hash, and an offline verifier.
package chain

// Stage names one of the five ordered initialization stages.
type Stage string

const (
	StagePreReload     Stage = "PRE_RELOAD"
	StagePostReload    Stage = "POST_RELOAD"
	StageLoaded        Stage = "LOADED"
	StageSecureChannel Stage = "SECURE_CHANNEL"
	StageLockdown      Stage = "LOCKDOWN"
)

// Order is the fixed stage sequence. Index i is stage number i.
var Order = []Stage{
	StagePreReload,
	StagePostReload,
	StageLoaded,
	StageSecureChannel,
	StageLockdown,
}

// Length is the number of digests sealed by a chain hash.
const Length = 5

// PreviousHashKey is the data key linking a record to its predecessor's digest.
const PreviousHashKey = "previousHash"

// Index returns the position of s in Order, or -1.
func (s Stage) Index() int {
	for i, o := range Order {
		if o == s {
			return i
		}
	}
	return -1
}

// Record is one completed stage.
type Record struct {
	Name      Stage          `json:"name"`
	Data      map[string]any `json:"data"`
	Hash      string         `json:"hash"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
}

// PreviousHash returns the linked predecessor digest, if any.
func (r Record) PreviousHash() (string, bool) {
	v, ok := r.Data[PreviousHashKey].(string)
	return v, ok
}

// Clone returns a deep copy so callers cannot mutate recorded evidence.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = cloneMap(r.Data)
	}
	return out
}

// CloneAll deep-copies a record slice.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// Hashes returns the digests of records in order.
func Hashes(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Hash
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
