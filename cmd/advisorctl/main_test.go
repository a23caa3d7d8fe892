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

	"killchain-advisor/internal/analysis"
)

const snapshotJSON = `{
  "cases": [
    {"case_id": "C-1", "status": "open", "device": "WS-01", "user": "bob",
     "time": "2024-03-01T10:00:00Z",
     "evidence": [{"kind": "log", "content": "password spray against VPN"}]},
    {"case_id": "C-2", "status": "investigating", "device": "WS-02", "user": "bob",
     "time": "2024-03-01T11:00:00Z",
     "evidence": [{"kind": "log", "content": "psexec service created"}]},
    {"case_id": "C-3", "status": "closed", "device": "PRN-9",
     "time": "2024-03-02T09:00:00Z"}
  ],
  "entities": [
    {"type": "user", "id": "bob", "risk_score": 60}
  ]
}`

func writeSnapshot(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("ADVISOR_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	var stdout, stderr bytes.Buffer
	code := realMain(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no args", nil, 2},
		{"unknown command", []string{"explode"}, 2},
		{"help", []string{"help"}, 0},
		{"analyze without file", []string{"analyze"}, 2},
		{"analyze bad flag", []string{"analyze", "-nope", "x.json"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(t, tt.args...)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "advisorctl dev\n", out)
}

func TestAnalyze_Text(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)

	code, out, stderr := run(t, "analyze", path)
	require.Equal(t, 0, code, stderr)

	assert.Contains(t, out, "3 cases, 1 entities")
	assert.Contains(t, out, "CAMPAIGNS")
	assert.Contains(t, out, "KILL CHAIN")
	assert.Contains(t, out, "Guardrails:")
	assert.Contains(t, out, "no automated action")
}

func TestAnalyze_JSON(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)

	code, out, stderr := run(t, "analyze", "-format", "json", path)
	require.Equal(t, 0, code, stderr)

	var r analysis.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Len(t, r.Index.Cases, 3)
	assert.NotEmpty(t, r.ID)
	assert.NotEmpty(t, r.Fingerprint)
	assert.Len(t, r.Decisions, 4)
}

func TestAnalyze_YAML(t *testing.T) {
	path := writeSnapshot(t, "snap.yaml", `
cases:
  - case_id: Y-1
    status: open
    device: HOST-A
    time: 2024-05-01T08:00:00Z
`)
	code, out, stderr := run(t, "analyze", "-format", "json", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, `"Y-1"`)
}

func TestAnalyze_UnknownFormat(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)
	code, _, stderr := run(t, "analyze", "-format", "xml", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown format")
}

func TestAnalyze_UnknownCampaign(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)
	code, _, stderr := run(t, "analyze", "-campaign", "nope", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown campaign")
}

func TestAnalyze_SkipsInvalidRecords(t *testing.T) {
	path := writeSnapshot(t, "snap.json", `{"cases": [
		{"case_id": "ok", "status": "open", "time": "2024-01-01T00:00:00Z"},
		{"case_id": "bad", "status": "exploded", "time": "2024-01-01T00:00:00Z"}
	]}`)

	code, out, stderr := run(t, "analyze", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "1 cases")
	assert.Contains(t, stderr, "skipping invalid record")
}

func TestAnalyze_KeepsTimelessCases(t *testing.T) {
	path := writeSnapshot(t, "snap.json", `{
		"cases": [{"case_id": "C-old", "status": "open", "device": "WS-01", "user": "bob"}],
		"entities": [{"type": "device", "id": "WS-01", "risk_score": 140}]
	}`)

	code, out, stderr := run(t, "analyze", "-format", "json", path)
	require.Equal(t, 0, code, stderr)

	var r analysis.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.Len(t, r.Index.Cases, 1)
	require.Len(t, r.Index.Edges, 1)
	assert.Equal(t, 100, r.Index.Entities["device:WS-01"].RiskScore)
	assert.NotContains(t, stderr, "skipping invalid record")
}

func TestAnalyze_UnreadableSnapshotDegrades(t *testing.T) {
	tests := map[string]func(t *testing.T) string{
		"missing": func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.json") },
		"broken":  func(t *testing.T) string { return writeSnapshot(t, "broken.json", "{not json") },
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			code, out, stderr := run(t, "analyze", "-format", "json", path(t))
			require.Equal(t, 0, code, stderr)
			assert.Contains(t, stderr, "analyzing an empty snapshot")

			var r analysis.Report
			require.NoError(t, json.Unmarshal([]byte(out), &r))
			assert.True(t, r.Degraded)
			require.Len(t, r.Warnings, 1)
			assert.Contains(t, r.Warnings[0], "snapshot unavailable")
			assert.Empty(t, r.Index.Campaigns)
			assert.Len(t, r.Decisions, 4)
		})
	}
}

func TestValidate(t *testing.T) {
	good := writeSnapshot(t, "good.json", snapshotJSON)
	code, out, _ := run(t, "validate", good)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "0 of 4 records invalid")

	bad := writeSnapshot(t, "bad.json", `{
		"cases": [{"case_id": "C-1", "status": "open"}],
		"entities": [{"type": "printer", "id": "P-1"}]
	}`)
	code, out, _ = run(t, "validate", bad)
	assert.Equal(t, 1, code)
	assert.Equal(t, 2, strings.Count(out, "invalid: "))
	assert.Contains(t, out, "2 of 2 records invalid")
}

func TestValidate_MissingFile(t *testing.T) {
	code, _, stderr := run(t, "validate", filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)
}

func TestArchive_RequiresBucket(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)
	code, _, stderr := run(t, "archive", "-bucket", "", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "bucket is required")
}

func TestSubmit_RequiresBrokers(t *testing.T) {
	path := writeSnapshot(t, "snap.json", snapshotJSON)
	code, _, stderr := run(t, "submit", "-brokers", " , ", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "broker")
}
