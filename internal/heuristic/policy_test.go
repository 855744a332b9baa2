package heuristic

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

const processPolicy = `package edrcore.process

alerts contains msg if {
	lower(input.name) == "mimikatz.exe"
	msg := "known credential dumper"
}

alerts contains msg if {
	input.memory > 1000000
	msg := sprintf("process %d uses excessive memory", [input.pid])
}
`

const networkPolicy = `package edrcore.network

alerts contains "remote port 8081" if {
	input.remote_port == 8081
}
`

func writePolicy(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600))
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "creds.rego", processPolicy)
	writePolicy(t, dir, "ports.rego", networkPolicy)
	writePolicy(t, dir, "README.md", "not a policy")

	p, err := LoadPolicies(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	require.Len(t, p.Processes, 1)
	assert.Equal(t, "policy:creds", p.Processes[0].Name())

	e := New(DefaultConfig())
	e.AddPolicies(p)

	res := e.Evaluate(context.Background(), canonical.Batch{
		Processes: []canonical.Process{
			{PID: 12, Name: "MIMIKATZ.exe", MemoryBytes: ptr[uint64](2000000)},
			{PID: 13, Name: "bash"},
		},
		Connections: []canonical.Connection{
			{Protocol: canonical.ProtocolTCP, RemoteAddress: ptr("198.51.100.7"), RemotePort: ptr[uint16](8081)},
		},
	})
	require.Empty(t, res.Diagnostics)
	require.Len(t, res.Alerts, 3)

	assert.Equal(t, "known credential dumper", res.Alerts[0].Reason)
	assert.Equal(t, "process 12 uses excessive memory", res.Alerts[1].Reason)
	assert.Equal(t, "12", res.Alerts[0].Subject)
	assert.Equal(t, "policy:creds", res.Alerts[0].RuleName)
	assert.Equal(t, alert.SourceHeuristic, res.Alerts[0].Source)

	assert.Equal(t, alert.KindNetwork, res.Alerts[2].Kind)
	assert.Equal(t, "198.51.100.7:8081", res.Alerts[2].Subject)
}

func TestLoadPoliciesMissingDir(t *testing.T) {
	_, err := LoadPolicies(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "read policy dir")

	p, err := LoadPolicies(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestLoadPoliciesErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", "package edrcore.process\n\nalerts contains msg if {\n"},
		{"foreign package", "package other.process\n\nalerts contains \"x\" if { true }\n"},
		{"unknown kind", "package edrcore.printer\n\nalerts contains \"x\" if { true }\n"},
		{"no alerts rule", "package edrcore.file\n\nallow if { true }\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePolicy(t, dir, "bad.rego", tt.src)
			_, err := LoadPolicies(context.Background(), dir)
			assert.Error(t, err)
		})
	}
}

func TestPolicyEvaluationErrorIsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	// Two different values for a complete rule is a runtime conflict.
	writePolicy(t, dir, "conflict.rego", `package edrcore.file

alerts := {"a"} if { input.size > 0 }
alerts := {"b"} if { input.size > 1 }
`)
	p, err := LoadPolicies(context.Background(), dir)
	require.NoError(t, err)

	e := &Engine{}
	e.AddPolicies(p)
	res := e.EvaluateFiles(context.Background(), []canonical.File{{Path: "/x", SizeBytes: 10}})
	assert.Empty(t, res.Alerts)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "policy:conflict", res.Diagnostics[0].Rule)
	assert.Equal(t, "/x", res.Diagnostics[0].Subject)
}
