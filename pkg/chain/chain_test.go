package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/canonicalize"
)

func buildRecords(t *testing.T) []Record {
	t.Helper()
	records := make([]Record, 0, Length)
	prev := ""
	for i, s := range Order {
		data := map[string]any{"stage": string(s), "index": i}
		if prev != "" {
			data[PreviousHashKey] = prev
		}
		h, err := Digest(data)
		require.NoError(t, err)
		records = append(records, Record{Name: s, Data: data, Hash: h, Timestamp: int64(1000 + i)})
		prev = h
	}
	return records
}

func TestAssemble_Deterministic(t *testing.T) {
	hashes := Hashes(buildRecords(t))

	a, err := Assemble(hashes, DefaultSeparator)
	require.NoError(t, err)
	b, err := Assemble(hashes, DefaultSeparator)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, canonicalize.HashString(strings.Join(hashes, "|")), a)
}

func TestAssemble_DistinctFromStageHashes(t *testing.T) {
	hashes := Hashes(buildRecords(t))
	seal, err := Assemble(hashes, DefaultSeparator)
	require.NoError(t, err)
	for _, h := range hashes {
		assert.NotEqual(t, h, seal)
	}
}

func TestAssemble_EmptySeparatorUsesDefault(t *testing.T) {
	hashes := Hashes(buildRecords(t))
	a, err := Assemble(hashes, "")
	require.NoError(t, err)
	b, err := Assemble(hashes, DefaultSeparator)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestAssemble_SeparatorChangesSeal(t *testing.T) {
	hashes := Hashes(buildRecords(t))
	a, err := Assemble(hashes, "|")
	require.NoError(t, err)
	b, err := Assemble(hashes, ":")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAssemble_OrderMatters(t *testing.T) {
	hashes := Hashes(buildRecords(t))
	a, err := Assemble(hashes, DefaultSeparator)
	require.NoError(t, err)

	swapped := append([]string(nil), hashes...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	b, err := Assemble(swapped, DefaultSeparator)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAssemble_WrongLength(t *testing.T) {
	_, err := Assemble([]string{"a", "b", "c", "d"}, DefaultSeparator)
	require.ErrorIs(t, err, ErrChainLength)

	_, err = Assemble(nil, DefaultSeparator)
	require.ErrorIs(t, err, ErrChainLength)
}

func TestAssemble_EmptyDigest(t *testing.T) {
	_, err := Assemble([]string{"a", "b", "", "d", "e"}, DefaultSeparator)
	require.ErrorIs(t, err, ErrEmptyDigest)
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StagePreReload.Index())
	assert.Equal(t, 4, StageLockdown.Index())
	assert.Equal(t, -1, Stage("BOGUS").Index())
}

func TestRecordClone_IsDeep(t *testing.T) {
	r := Record{
		Name: StageLockdown,
		Data: map[string]any{
			"protections": []string{"events"},
			"baseline":    map[string]any{"elementCount": 3},
		},
	}
	c := r.Clone()
	c.Data["protections"].([]string)[0] = "mutated"
	c.Data["baseline"].(map[string]any)["elementCount"] = 99
	c.Data["extra"] = true

	assert.Equal(t, "events", r.Data["protections"].([]string)[0])
	assert.Equal(t, 3, r.Data["baseline"].(map[string]any)["elementCount"])
	_, ok := r.Data["extra"]
	assert.False(t, ok)
}

func TestCloneAll_Nil(t *testing.T) {
	assert.Nil(t, CloneAll(nil))
}

func TestVerify_Valid(t *testing.T) {
	records := buildRecords(t)
	seal, err := Assemble(Hashes(records), DefaultSeparator)
	require.NoError(t, err)

	report := Verify(records, seal, DefaultSeparator)
	for _, c := range report.Checks {
		if !c.Pass {
			t.Logf("FAIL: %s: %s", c.Name, c.Reason)
		}
	}
	assert.True(t, report.Verified)
	assert.Zero(t, report.IssueCount)
	assert.True(t, strings.HasPrefix(report.Summary, "PASS"))
}

func TestVerify_TamperedData(t *testing.T) {
	records := buildRecords(t)
	seal, err := Assemble(Hashes(records), DefaultSeparator)
	require.NoError(t, err)

	records[2].Data["stage"] = "tampered"
	report := Verify(records, seal, DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "digest:2:LOADED"))
}

func TestVerify_BrokenLink(t *testing.T) {
	records := buildRecords(t)
	records[3].Data[PreviousHashKey] = records[0].Hash
	h, err := Digest(records[3].Data)
	require.NoError(t, err)
	records[3].Hash = h
	records[4].Data[PreviousHashKey] = h
	h4, err := Digest(records[4].Data)
	require.NoError(t, err)
	records[4].Hash = h4
	seal, err := Assemble(Hashes(records), DefaultSeparator)
	require.NoError(t, err)

	report := Verify(records, seal, DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "chain_links"))
}

func TestVerify_WrongSeal(t *testing.T) {
	records := buildRecords(t)
	report := Verify(records, canonicalize.HashString("not the seal"), DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "chain_hash"))
	assert.Equal(t, 1, report.IssueCount)
}

func TestVerify_MissingSeal(t *testing.T) {
	report := Verify(buildRecords(t), "", DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "chain_hash"))
}

func TestVerify_TimestampRegression(t *testing.T) {
	records := buildRecords(t)
	records[4].Timestamp = records[3].Timestamp - 1
	seal, err := Assemble(Hashes(records), DefaultSeparator)
	require.NoError(t, err)

	report := Verify(records, seal, DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "timestamp_monotonicity"))
}

func TestVerify_PartialChain(t *testing.T) {
	records := buildRecords(t)[:3]
	report := Verify(records, "deadbeef", DefaultSeparator)
	assert.False(t, report.Verified)
	assert.True(t, hasFailure(report, "stage_order"))
	assert.True(t, strings.HasPrefix(report.Summary, "FAIL"))
}

func TestVerify_OutOfOrder(t *testing.T) {
	records := buildRecords(t)
	records[1].Name, records[2].Name = records[2].Name, records[1].Name
	report := Verify(records, "", DefaultSeparator)
	assert.True(t, hasFailure(report, "stage_order"))
}

func hasFailure(r *VerifyReport, name string) bool {
	for _, c := range r.Checks {
		if c.Name == name && !c.Pass {
			return true
		}
	}
	return false
}
