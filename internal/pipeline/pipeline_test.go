package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edrcore/internal/alert"
	"edrcore/internal/collect"
	"edrcore/internal/config"
	"edrcore/internal/heuristic"
	"edrcore/internal/logging"
	"edrcore/internal/metrics"
	"edrcore/internal/report"
	"edrcore/internal/signature"
	"edrcore/internal/telemetry"
)

const dropperRule = `rule Dropper : malware {
	meta:
		author = "ir-team"
	strings:
		$a = "EVILPAYLOAD"
	condition:
		$a
}`

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewWithWriter(io.Discard, nil)
	require.NoError(t, err)
	return l
}

func testScanner(t *testing.T) *signature.Scanner {
	t.Helper()
	rs, err := signature.CompileString("dropper.yar", dropperRule)
	require.NoError(t, err)
	s := signature.NewScanner(rs)
	s.Workers = 2
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestAnalyzeAggregatesBothSources(t *testing.T) {
	dir := t.TempDir()
	dropper := writeFile(t, dir, ".dropper", "xxEVILPAYLOADxx")
	missing := filepath.Join(dir, "vanished.bin")

	snap := telemetry.Snapshot{
		Processes: []telemetry.Process{
			{PID: 100, Name: "notepad.exe", CPUPercent: 90},
			{PID: 200, Name: "rundll32.exe", CPUPercent: 55},
			{PID: 300, Name: "svchost.exe", User: telemetry.Ptr("alice")},
		},
		Files: []telemetry.File{
			{Path: dropper, Hidden: telemetry.Ptr(true), Executable: telemetry.Ptr(true)},
			{Path: missing},
		},
		Connections: []telemetry.NetworkConnection{
			{Protocol: "TCP", RemotePort: telemetry.Ptr(uint32(4444)), PID: telemetry.Ptr(int32(200))},
		},
		Registry: []telemetry.RegistryValue{
			{KeyPath: `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`, ValueName: "RunUpdater", Data: `C:\Users\x\AppData\Local\Temp\upd.exe`},
		},
	}

	m := metrics.NewEdrcoreMetrics(metrics.NewRegistry())
	journalPath := filepath.Join(dir, "journal.jsonl")
	journal, err := logging.OpenJournal(&logging.JournalConfig{FilePath: journalPath, Host: "h"})
	require.NoError(t, err)

	p := New(Options{
		Heuristics: heuristic.New(heuristic.DefaultConfig()),
		Scanner:    testScanner(t),
		Logger:     quietLogger(t),
		Journal:    journal,
		Metrics:    m,
		Host:       "h",
	})
	r := p.Analyze(context.Background(), snap)
	require.NoError(t, journal.Close())

	_, err = uuid.Parse(r.RunID)
	assert.NoError(t, err)
	assert.Equal(t, "h", r.Host)
	assert.False(t, r.Finished.Before(r.Started))
	assert.Equal(t, report.Counts{Processes: 3, Files: 2, Connections: 1, Registry: 1, Scanned: 1}, r.Counts)

	var got []string
	for _, a := range r.Alerts {
		got = append(got, string(a.Source)+"/"+a.RuleName)
	}
	assert.Equal(t, []string{
		"Heuristic/" + heuristic.RuleLOLBinHighCPU,
		"Heuristic/" + heuristic.RuleSvchostNonSystem,
		"Heuristic/" + heuristic.RuleHiddenExecutable,
		"Heuristic/" + heuristic.RuleSuspiciousPort,
		"Heuristic/" + heuristic.RuleAutorunTempFolder,
		"Signature/Dropper",
	}, got)

	// The same file is flagged by both sources and kept twice.
	sig := r.Alerts[5]
	assert.Equal(t, alert.KindFile, sig.Kind)
	assert.Equal(t, dropper, sig.Subject)
	assert.Equal(t, []string{"malware"}, sig.Tags)
	assert.Equal(t, []alert.MetaEntry{{Key: "author", Value: "ir-team"}}, sig.Metadata)
	assert.Equal(t, dropper, r.Alerts[2].Subject)

	require.Len(t, r.Diagnostics, 1)
	assert.Equal(t, alert.StageSignature, r.Diagnostics[0].Stage)
	assert.Equal(t, missing, r.Diagnostics[0].Subject)

	assert.NoError(t, report.Validate(r))

	assert.Equal(t, 5.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("SuspiciousProcess", "Heuristic"))+
		testutil.ToFloat64(m.AlertsTotal.WithLabelValues("SuspiciousFile", "Heuristic"))+
		testutil.ToFloat64(m.AlertsTotal.WithLabelValues("SuspiciousNetwork", "Heuristic"))+
		testutil.ToFloat64(m.AlertsTotal.WithLabelValues("SuspiciousRegistry", "Heuristic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesScanned.WithLabelValues("scanned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesScanned.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal))

	types := journalTypes(t, journalPath)
	require.NotEmpty(t, types)
	assert.Equal(t, "run_start", types[0])
	assert.Equal(t, "run_end", types[len(types)-1])
	assert.Equal(t, 6, count(types, "alert"))
	assert.Equal(t, 1, count(types, "diagnostic"))
}

func TestAnalyzeWithoutScanner(t *testing.T) {
	dir := t.TempDir()
	f := writeFile(t, dir, "payload", "EVILPAYLOAD")

	p := New(Options{Logger: quietLogger(t)})
	r := p.Analyze(context.Background(), telemetry.Snapshot{Files: []telemetry.File{{Path: f}}})

	assert.Empty(t, r.Alerts)
	assert.NotNil(t, r.Alerts)
	assert.NotNil(t, r.Diagnostics)
	assert.Equal(t, 0, r.Counts.Scanned)
}

func TestAnalyzeEmptySnapshot(t *testing.T) {
	p := New(Options{Scanner: testScanner(t), Logger: quietLogger(t)})
	r := p.Analyze(context.Background(), telemetry.Snapshot{})
	assert.Empty(t, r.Alerts)
	assert.Empty(t, r.Diagnostics)
	assert.NoError(t, report.Validate(r))
}

func TestRunCollectsAndScans(t *testing.T) {
	dir := t.TempDir()
	payload := writeFile(t, dir, "fresh.bin", "EVILPAYLOAD")

	p := New(Options{
		Collector: &collect.Collector{
			Roots: []string{dir},
			FileOptions: collect.FileOptions{
				MaxAge:     time.Hour,
				Attributes: telemetry.UnixAttributes{},
			},
		},
		Scanner: testScanner(t),
		Logger:  quietLogger(t),
	})
	r := p.Run(context.Background())

	assert.Equal(t, 1, r.Counts.Files)
	assert.Equal(t, 1, r.Counts.Scanned)
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, alert.SourceSignature, r.Alerts[0].Source)
	assert.Equal(t, payload, r.Alerts[0].Subject)
	assert.Empty(t, r.Diagnostics)
}

// stallBackend holds every scan until its context ends.
type stallBackend struct{}

func (stallBackend) ScanBytes(ctx context.Context, _ []byte, _ int64) ([]signature.Match, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallBackend) RuleCount() int { return 1 }

func TestRunDeadline(t *testing.T) {
	dir := t.TempDir()
	payload := writeFile(t, dir, "stuck.bin", "EVILPAYLOAD")

	p := New(Options{
		Collector: &collect.Collector{
			Roots: []string{dir},
			FileOptions: collect.FileOptions{
				MaxAge:     time.Hour,
				Attributes: telemetry.UnixAttributes{},
			},
		},
		Scanner:  &signature.Scanner{Backend: stallBackend{}, Workers: 1},
		Logger:   quietLogger(t),
		Deadline: 200 * time.Millisecond,
	})

	start := time.Now()
	r := p.Run(context.Background())
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, 1, r.Counts.Files)
	assert.Empty(t, r.Alerts)
	require.NotEmpty(t, r.Diagnostics)
	last := r.Diagnostics[len(r.Diagnostics)-1]
	assert.Equal(t, alert.StageSignature, last.Stage)
	assert.Equal(t, payload, last.Subject)
	assert.Contains(t, last.Message, context.DeadlineExceeded.Error())
	assert.False(t, r.Finished.IsZero())
	assert.NoError(t, report.Validate(r))
}

func TestRunReportsCollectionFailureFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(Options{
		Collector: &collect.Collector{
			Roots:       []string{t.TempDir()},
			FileOptions: collect.FileOptions{MaxAge: time.Hour},
		},
		Logger: quietLogger(t),
	})
	r := p.Run(ctx)

	require.NotEmpty(t, r.Diagnostics)
	assert.Equal(t, alert.StageCollect, r.Diagnostics[0].Stage)
}

func TestScanFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".hidden.sh", "#!/bin/sh\nEVILPAYLOAD\n")

	p := New(Options{Scanner: testScanner(t), Logger: quietLogger(t)})
	alerts, diags := p.ScanFile(context.Background(), telemetry.File{
		Path:       path,
		Hidden:     telemetry.Ptr(true),
		Executable: telemetry.Ptr(true),
	})
	assert.Empty(t, diags)
	require.Len(t, alerts, 2)
	assert.Equal(t, alert.SourceHeuristic, alerts[0].Source)
	assert.Equal(t, alert.SourceSignature, alerts[1].Source)

	_, diags = p.ScanFile(context.Background(), telemetry.File{Path: filepath.Join(dir, "gone")})
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Message, "file vanished")
}

func TestBuildFromConfig(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules")
	policies := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(rules, 0o755))
	require.NoError(t, os.MkdirAll(policies, 0o755))
	writeFile(t, rules, "dropper.yar", dropperRule)
	writeFile(t, policies, "creds.rego", `package edrcore.process

alerts contains "known credential dumper" if {
	lower(input.name) == "mimikatz.exe"
}
`)

	cfg := config.DefaultConfig()
	cfg.Signatures.RulesDir = rules
	cfg.Policies.Dir = policies
	cfg.Collection.Roots = []string{dir}
	cfg.Heuristics.Disabled = []string{heuristic.RuleHashPrefix}

	m := metrics.NewEdrcoreMetrics(metrics.NewRegistry())
	p, err := Build(context.Background(), cfg, quietLogger(t), m, nil)
	require.NoError(t, err)
	require.NotNil(t, p.opts.Scanner)
	assert.Equal(t, map[string]int{"heuristic": len(heuristic.BuiltinRules), "signature": 1}, p.RuleCounts())
	assert.Equal(t, []string{dir}, p.opts.Collector.Roots)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RulesLoaded.WithLabelValues("signature")))
	assert.Equal(t, float64(len(heuristic.BuiltinRules)), testutil.ToFloat64(m.RulesLoaded.WithLabelValues("heuristic")))

	r := p.Analyze(context.Background(), telemetry.Snapshot{
		Processes: []telemetry.Process{{PID: 9, Name: "Mimikatz.exe", Hash: telemetry.Ptr("0000ab")}},
	})
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, "known credential dumper", r.Alerts[0].Reason)
}

func TestBuildRejectsBadRules(t *testing.T) {
	rules := t.TempDir()
	writeFile(t, rules, "bad.yar", "rule broken { condition: }")

	cfg := config.DefaultConfig()
	cfg.Signatures.RulesDir = rules
	_, err := Build(context.Background(), cfg, quietLogger(t), nil, nil)

	var ce *signature.CompileError
	assert.ErrorAs(t, err, &ce)
}

func TestBuildRejectsMissingPolicyDir(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signatures.Enabled = false
	cfg.Policies.Dir = filepath.Join(t.TempDir(), "policies")

	_, err := Build(context.Background(), cfg, quietLogger(t), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load policies")
}

func TestBuildSignaturesDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signatures.Enabled = false
	cfg.Signatures.RulesDir = filepath.Join(t.TempDir(), "does-not-exist")

	p, err := Build(context.Background(), cfg, quietLogger(t), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, p.opts.Scanner)
	assert.Equal(t, map[string]int{"heuristic": len(heuristic.BuiltinRules)}, p.RuleCounts())
}

func TestHeuristicConfigDefaults(t *testing.T) {
	hc := HeuristicConfig(config.HeuristicsConfig{})
	def := heuristic.DefaultConfig()
	assert.Equal(t, def.LOLBins, hc.LOLBins)
	assert.Equal(t, def.CPUThreshold, hc.CPUThreshold)
	assert.Equal(t, def.SuspiciousPorts, hc.SuspiciousPorts)
	assert.Empty(t, hc.HashPrefix)

	hc = HeuristicConfig(config.HeuristicsConfig{CPUThreshold: 50, SuspiciousPorts: []uint16{9}})
	assert.Equal(t, 50.0, hc.CPUThreshold)
	assert.Equal(t, []uint16{9}, hc.SuspiciousPorts)
}

func journalTypes(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		types = append(types, ev.Type)
	}
	require.NoError(t, sc.Err())
	return types
}

func count(xs []string, want string) int {
	n := 0
	for _, x := range xs {
		if x == want {
			n++
		}
	}
	return n
}
