package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// _start: empty body.
var wasmNoop = join(wasmHeader,
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
	[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b},
)

// _start: unreachable.
var wasmTrap = join(wasmHeader,
	[]byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00},
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00},
	[]byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b},
)

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"aeor", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")
	assert.Contains(t, out.String(), "policy check")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"aeor", "frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestRun_DefaultsToServer(t *testing.T) {
	calls := 0
	orig := startServer
	startServer = func(io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = orig })

	assert.Equal(t, 0, Run([]string{"aeor"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"aeor", "serve"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"aeor", "--verbose"}, io.Discard, io.Discard))
	assert.Equal(t, 3, calls)
}

func TestPolicyCheck(t *testing.T) {
	valid := writeFile(t, "policy.yaml", []byte(`
name: strict
version: 2.1.0
rules:
  - id: no-stderr
    expr: has(debt.stderrBytes) && debt.stderrBytes > 0
    reason: Module wrote to stderr.
`))
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"aeor", "policy", "check", valid}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "strict 2.1.0")
	assert.Contains(t, out.String(), "no-stderr")

	out.Reset()
	require.Equal(t, 0, Run([]string{"aeor", "policy", "check", "--json", valid}, &out, &errOut))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, "strict", doc["name"])
	assert.Equal(t, "2.1.0", doc["version"])

	invalid := writeFile(t, "bad.yaml", []byte("name: bad\nversion: 1.0.0\nrules:\n  - id: r\n    expr: metrics.count + 1\n"))
	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"aeor", "policy", "check", invalid}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "Invalid policy")

	assert.Equal(t, 2, Run([]string{"aeor", "policy", "check"}, io.Discard, io.Discard))
	assert.Equal(t, 2, Run([]string{"aeor", "policy"}, io.Discard, io.Discard))
}

func TestPolicyShow(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, Run([]string{"aeor", "policy", "show"}, &out, io.Discard))
	assert.Contains(t, out.String(), "aeor-default")
}

func runOnce(t *testing.T, module []byte) (int, runReport) {
	t.Helper()
	path := writeFile(t, "module.wasm", module)
	var out, errOut bytes.Buffer
	code := Run([]string{"aeor", "run", "--module", path, "--id", "dep-1", "--hash", "sha256:abc", "--json"}, &out, &errOut)

	var report runReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report), errOut.String())
	return code, report
}

func TestRunOnce_Commits(t *testing.T) {
	code, report := runOnce(t, wasmNoop)
	assert.Equal(t, 0, code)
	assert.True(t, report.Registration.Success)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, aeor.StatusSuccessCommitted, report.Outcome.Status)
	require.NotNil(t, report.Record)
	assert.Equal(t, aeor.StateCommitted, report.Record.State)
	assert.Empty(t, report.Escalations)
}

func TestRunOnce_TrapRollsBack(t *testing.T) {
	code, report := runOnce(t, wasmTrap)
	assert.Equal(t, 1, code)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, aeor.StatusC04RollbackForced, report.Outcome.Status)
	require.NotNil(t, report.Outcome.Rollback)
	assert.True(t, report.Outcome.Rollback.Success)
	require.NotNil(t, report.Record)
	assert.Equal(t, aeor.StateRolledBack, report.Record.State)
}

func TestRunOnce_TextOutput(t *testing.T) {
	path := writeFile(t, "module.wasm", wasmNoop)
	var out bytes.Buffer
	code := Run([]string{"aeor", "run", "--module", path, "--id", "dep-1", "--hash", "h"}, &out, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "SUCCESS_COMMITTED")
}

func TestRunOnce_UsageErrors(t *testing.T) {
	var errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"aeor", "run", "--id", "dep-1"}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "required")

	assert.Equal(t, 2, Run([]string{"aeor", "run", "--module", "/does/not/exist.wasm", "--id", "d", "--hash", "h"}, io.Discard, io.Discard))
}

func TestHealthCmd(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()

	var out bytes.Buffer
	assert.Equal(t, 0, Run([]string{"aeor", "health", "--addr", healthy.URL}, &out, io.Discard))
	assert.Contains(t, out.String(), "ok (pending escalations: 0)")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"aeor", "health", "--addr", down.URL}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "503")
}

func TestDoctorCmd_LiteMode(t *testing.T) {
	t.Setenv("AEOR_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOCK_BACKEND", "memory")
	t.Setenv("API_JWT_SECRET", "")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "memory")

	var out bytes.Buffer
	require.Equal(t, 0, Run([]string{"aeor", "doctor", "--json"}, &out, io.Discard), out.String())

	var results []map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	byName := map[string]string{}
	for _, r := range results {
		byName[r["name"]] = r["status"]
	}
	assert.Equal(t, "ok", byName["config"])
	assert.Equal(t, "ok", byName["database"])
	assert.Equal(t, "ok", byName["policy"])
	assert.Equal(t, "warn", byName["auth"])
}

func TestNewLogger_CriticalLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "json")
	logger.Log(t.Context(), aeor.LevelCritical, "failsafe breach")
	logger.Debug("hidden")

	assert.Contains(t, buf.String(), `"level":"CRITICAL"`)
	assert.NotContains(t, buf.String(), "hidden")
}
