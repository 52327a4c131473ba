package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"pisa"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pisa.yaml")
	cfg := `
log:
  level: WARN
  format: json
retry:
  base_delay: 1ms
  max_delay: 5ms
  max_jitter: 1ms
isolation:
  enabled: true
  interferers:
    - id: ext-adblock
      name: Ad blocker
      disableable: true
ledger:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "ledger.db") + `
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verify")

	code, stdout, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "pisa "+Version+"\n", stdout)
}

func TestRunCmd_RequiresTargetAndSession(t *testing.T) {
	code, _, stderr := run(t, "run", "--target", "https://example.com")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--target and --session are required")
}

func TestRunCmd_SealVerifyAndLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	resultPath := filepath.Join(dir, "result.json")

	code, stdout, stderr := run(t, "run",
		"--config", cfgPath,
		"--target", "https://example.com",
		"--session", "session-1",
		"--out", resultPath,
		"--audit-log", filepath.Join(dir, "audit.log"),
		"--json",
	)
	require.Equal(t, 0, code, stderr)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "SEALED", res["state"])
	assert.NotEmpty(t, res["chainHash"])
	assert.NotEmpty(t, res["isolationSnapshotHash"])
	_, hasToken := res["channelToken"]
	assert.False(t, hasToken, "token is hidden without --show-token")
	runID, _ := res["runId"].(string)
	require.NotEmpty(t, runID)

	auditLog, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(auditLog), "PISA_SEALED")

	code, stdout, _ = run(t, "verify", "--result", resultPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "PASSED")

	code, stdout, _ = run(t, "verify", "--config", cfgPath, "--run", runID, "--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"verified": true`)

	code, stdout, _ = run(t, "ledger", "list", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, runID, entries[0]["runId"])

	code, stdout, _ = run(t, "ledger", "show", "--config", cfgPath, "--run", runID)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, runID)

	code, _, _ = run(t, "ledger", "show", "--config", cfgPath, "--run", "missing")
	assert.Equal(t, 1, code)
}

func TestVerifyCmd_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	resultPath := filepath.Join(dir, "result.json")

	code, _, stderr := run(t, "run", "--config", cfgPath, "--no-ledger",
		"--target", "https://example.com", "--session", "s", "--out", resultPath)
	require.Equal(t, 0, code, stderr)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	tampered := strings.ReplaceAll(string(data), "https://example.com", "https://evil.example")
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(resultPath, []byte(tampered), 0o600))

	code, stdout, _ := run(t, "verify", "--result", resultPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAILED")
}

func TestRunCmd_LockdownFailure(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	code, stdout, _ := run(t, "run", "--config", cfgPath, "--fail-lockdown", "--json",
		"--target", "https://example.com", "--session", "s")
	assert.Equal(t, 1, code)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "LOCKDOWN_ACTIVATION_FAILURE", res["errorKind"])
	_, hasChain := res["chainHash"]
	assert.False(t, hasChain)

	code, stdout, _ = run(t, "ledger", "list", "--config", cfgPath)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "FAILED")
}

func TestVerifyCmd_Flags(t *testing.T) {
	code, _, stderr := run(t, "verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "exactly one of")

	code, _, _ = run(t, "verify", "--result", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 2, code)
}

func TestLedgerCmd_Usage(t *testing.T) {
	code, _, _ := run(t, "ledger")
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "ledger", "drop")
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "ledger", "show")
	assert.Equal(t, 2, code)
}
