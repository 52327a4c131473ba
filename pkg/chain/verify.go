package chain

import (
	"fmt"
	"time"
)

// VerifyReport is the outcome of offline verification of a sealed run.
type VerifyReport struct {
	Verified   bool          `json:"verified"`
	Timestamp  time.Time     `json:"timestamp"`
	Checks     []CheckResult `json:"checks"`
	Summary    string        `json:"summary"`
	IssueCount int           `json:"issue_count"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verify recomputes every stage digest from its recorded data, checks the
// previousHash links, stage order and timestamp monotonicity, and finally
// recomputes the chain hash. It trusts nothing but SHA-256 and JCS.
func Verify(records []Record, chainHash, sep string) *VerifyReport {
	report := &VerifyReport{
		Verified:  true,
		Timestamp: time.Now().UTC(),
		Checks:    make([]CheckResult, 0, 4+len(records)),
	}

	report.addCheck(checkOrder(records))
	report.addChecks(checkDigests(records))
	report.addCheck(checkLinks(records))
	report.addCheck(checkTimestamps(records))
	report.addCheck(checkSeal(records, chainHash, sep))

	failed := 0
	for _, c := range report.Checks {
		if !c.Pass {
			failed++
		}
	}
	report.IssueCount = failed
	if failed > 0 {
		report.Verified = false
		report.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(report.Checks), len(report.Checks))
	}
	return report
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *VerifyReport) addChecks(cs []CheckResult) {
	r.Checks = append(r.Checks, cs...)
}

func checkOrder(records []Record) CheckResult {
	if len(records) != Length {
		return CheckResult{Name: "stage_order", Pass: false, Reason: fmt.Sprintf("expected %d stages, got %d", Length, len(records))}
	}
	for i, r := range records {
		if r.Name != Order[i] {
			return CheckResult{Name: "stage_order", Pass: false, Reason: fmt.Sprintf("stage %d is %s, want %s", i, r.Name, Order[i])}
		}
	}
	return CheckResult{Name: "stage_order", Pass: true, Detail: "PRE_RELOAD..LOCKDOWN"}
}

func checkDigests(records []Record) []CheckResult {
	results := make([]CheckResult, 0, len(records))
	for i, r := range records {
		name := fmt.Sprintf("digest:%d:%s", i, r.Name)
		got, err := Digest(r.Data)
		switch {
		case err != nil:
			results = append(results, CheckResult{Name: name, Pass: false, Reason: err.Error()})
		case got != r.Hash:
			results = append(results, CheckResult{Name: name, Pass: false, Reason: fmt.Sprintf("hash mismatch: recorded %s, computed %s", r.Hash, got)})
		default:
			results = append(results, CheckResult{Name: name, Pass: true})
		}
	}
	return results
}

func checkLinks(records []Record) CheckResult {
	if len(records) > 0 {
		if _, ok := records[0].PreviousHash(); ok {
			return CheckResult{Name: "chain_links", Pass: false, Reason: "first stage must not carry previousHash"}
		}
	}
	for i := 1; i < len(records); i++ {
		prev, ok := records[i].PreviousHash()
		if !ok {
			return CheckResult{Name: "chain_links", Pass: false, Reason: fmt.Sprintf("stage %d missing previousHash", i)}
		}
		if prev != records[i-1].Hash {
			return CheckResult{Name: "chain_links", Pass: false, Reason: fmt.Sprintf("stage %d previousHash does not match stage %d hash", i, i-1)}
		}
	}
	return CheckResult{Name: "chain_links", Pass: true}
}

func checkTimestamps(records []Record) CheckResult {
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp < records[i-1].Timestamp {
			return CheckResult{Name: "timestamp_monotonicity", Pass: false, Reason: fmt.Sprintf("stage %d completed before stage %d", i, i-1)}
		}
	}
	return CheckResult{Name: "timestamp_monotonicity", Pass: true}
}

func checkSeal(records []Record, chainHash, sep string) CheckResult {
	if chainHash == "" {
		return CheckResult{Name: "chain_hash", Pass: false, Reason: "no chain hash recorded"}
	}
	got, err := Assemble(Hashes(records), sep)
	if err != nil {
		return CheckResult{Name: "chain_hash", Pass: false, Reason: err.Error()}
	}
	if got != chainHash {
		return CheckResult{Name: "chain_hash", Pass: false, Reason: fmt.Sprintf("seal mismatch: recorded %s, computed %s", chainHash, got)}
	}
	return CheckResult{Name: "chain_hash", Pass: true, Detail: got}
}
