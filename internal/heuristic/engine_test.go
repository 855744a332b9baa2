package heuristic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

func ptr[T any](v T) *T { return &v }

func proc(pid uint32, name string, cpu float64) canonical.Process {
	return canonical.Process{PID: pid, Name: name, CPUPercent: cpu}
}

func ruleNames(alerts []alert.Alert) []string {
	names := make([]string, len(alerts))
	for i, a := range alerts {
		names[i] = a.RuleName
	}
	return names
}

func TestLOLBinThresholdBoundary(t *testing.T) {
	e := New(DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		proc  canonical.Process
		fires bool
	}{
		{"at threshold", proc(1, "powershell.exe", 10.0), false},
		{"just above", proc(1, "powershell.exe", 10.01), true},
		{"case insensitive", proc(1, "PowerShell.EXE", 50), true},
		{"not a lolbin", proc(1, "notepad.exe", 99), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(ctx, canonical.Batch{Processes: []canonical.Process{tt.proc}})
			if tt.fires {
				require.Len(t, res.Alerts, 1)
				assert.Equal(t, RuleLOLBinHighCPU, res.Alerts[0].RuleName)
				assert.Equal(t, alert.KindProcess, res.Alerts[0].Kind)
				assert.Equal(t, "1", res.Alerts[0].Subject)
			} else {
				assert.Empty(t, res.Alerts)
			}
		})
	}
}

func TestRuleIndependence(t *testing.T) {
	// A record matching two rules yields two alerts, in rule order, whichever
	// order the rules were registered in.
	p := canonical.Process{PID: 7, Name: "cmd.exe", CPUPercent: 50, Hash: ptr("0000deadbeef")}

	forward := &Engine{}
	forward.Processes.Add(newLOLBinRule(DefaultLOLBins, 10))
	forward.Processes.Add(hashPrefixRule{prefix: "0000"})

	reverse := &Engine{}
	reverse.Processes.Add(hashPrefixRule{prefix: "0000"})
	reverse.Processes.Add(newLOLBinRule(DefaultLOLBins, 10))

	batch := canonical.Batch{Processes: []canonical.Process{p}}
	f := forward.Evaluate(context.Background(), batch)
	r := reverse.Evaluate(context.Background(), batch)

	assert.Equal(t, []string{RuleLOLBinHighCPU, RuleHashPrefix}, ruleNames(f.Alerts))
	assert.Equal(t, []string{RuleHashPrefix, RuleLOLBinHighCPU}, ruleNames(r.Alerts))
}

func TestSvchostOwner(t *testing.T) {
	e := New(DefaultConfig())
	tests := []struct {
		name  string
		user  *string
		fires bool
	}{
		{"system with domain", ptr(`NT AUTHORITY\SYSTEM`), false},
		{"bare system", ptr("system"), false},
		{"regular user", ptr(`DESKTOP\alice`), true},
		{"network service", ptr(`NT AUTHORITY\NETWORK SERVICE`), true},
		{"owner absent", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := canonical.Process{PID: 900, Name: "svchost.exe", User: tt.user}
			res := e.Evaluate(context.Background(), canonical.Batch{Processes: []canonical.Process{p}})
			if tt.fires {
				require.Len(t, res.Alerts, 1)
				assert.Equal(t, RuleSvchostNonSystem, res.Alerts[0].RuleName)
			} else {
				assert.Empty(t, res.Alerts)
			}
		})
	}
}

func TestAbsenceSafety(t *testing.T) {
	e := New(DefaultConfig())
	batch := canonical.Batch{
		Processes:   []canonical.Process{{PID: 1, Name: "svchost.exe"}},
		Files:       []canonical.File{{Path: "/a"}, {Path: "/b", Hidden: ptr(true)}, {Path: "/c", Executable: ptr(true)}},
		Connections: []canonical.Connection{{Protocol: canonical.ProtocolUDP, LocalPort: 4444}},
		Registry:    []canonical.RegistryValue{{KeyPath: "", Data: ""}},
	}
	res := e.Evaluate(context.Background(), batch)
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.Diagnostics)
}

func TestHiddenExecutable(t *testing.T) {
	e := New(DefaultConfig())
	res := e.EvaluateFiles(context.Background(), []canonical.File{
		{Path: "/tmp/.x", Hidden: ptr(true), Executable: ptr(true)},
		{Path: "/tmp/.y", Hidden: ptr(true), Executable: ptr(false)},
	})
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "/tmp/.x", res.Alerts[0].Subject)
	assert.Equal(t, alert.KindFile, res.Alerts[0].Kind)
}

func TestSuspiciousPortMembership(t *testing.T) {
	e := New(DefaultConfig())
	conns := []canonical.Connection{
		{Protocol: canonical.ProtocolTCP, RemoteAddress: ptr("10.0.0.5"), RemotePort: ptr[uint16](4444), PID: ptr[uint32](321)},
		{Protocol: canonical.ProtocolTCP, RemoteAddress: ptr("10.0.0.5"), RemotePort: ptr[uint16](4443)},
		{Protocol: canonical.ProtocolTCP, RemoteAddress: ptr("10.0.0.6"), RemotePort: ptr[uint16](1337)},
		{Protocol: canonical.ProtocolUDP, LocalAddress: "0.0.0.0", LocalPort: 1337},
	}
	res := e.Evaluate(context.Background(), canonical.Batch{Connections: conns})
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "321", res.Alerts[0].Subject)
	assert.Equal(t, "10.0.0.6:1337", res.Alerts[1].Subject)
	assert.Equal(t, alert.KindNetwork, res.Alerts[1].Kind)
}

func TestAutorunTemp(t *testing.T) {
	e := New(DefaultConfig())
	res := e.Evaluate(context.Background(), canonical.Batch{Registry: []canonical.RegistryValue{
		{KeyPath: `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`, ValueName: "Updater", Data: `C:\Users\bob\AppData\Local\Temp\u.exe`},
		{KeyPath: `HKLM\Software\Vendor`, ValueName: "RunHelper", Data: `C:\TEMP\h.exe`},
		{KeyPath: `HKLM\Software\Vendor`, ValueName: "AutoRUN", Data: `C:\Program Files\ok.exe`},
		{KeyPath: `HKLM\Software\Vendor`, ValueName: "", Data: `C:\temp\x.exe`},
	}})
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, `HKLM\Software\Vendor\RunHelper`, res.Alerts[0].Subject)
	assert.Equal(t, alert.KindRegistry, res.Alerts[0].Kind)
}

func TestDisabledRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = []string{RuleLOLBinHighCPU, RuleHiddenExecutable}
	e := New(cfg)
	assert.Equal(t, []string{RuleSvchostNonSystem, RuleHashPrefix}, e.Processes.Names())
	assert.Equal(t, 0, e.Files.Len())
	assert.Equal(t, 4, e.RuleCount())
}

func TestPanicBecomesDiagnostic(t *testing.T) {
	e := New(DefaultConfig())
	e.Processes.Add(Func[canonical.Process]{RuleName: "broken", Fn: func(canonical.Process) []alert.Alert {
		panic("boom")
	}})
	e.Processes.Add(Func[canonical.Process]{RuleName: "after", Fn: func(p canonical.Process) []alert.Alert {
		return []alert.Alert{alert.Process(p.PID, "after", "ran")}
	}})

	res := e.Evaluate(context.Background(), canonical.Batch{Processes: []canonical.Process{proc(5, "powershell.exe", 90)}})
	assert.Equal(t, []string{RuleLOLBinHighCPU, "after"}, ruleNames(res.Alerts))
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, alert.StageHeuristic, res.Diagnostics[0].Stage)
	assert.Equal(t, "broken", res.Diagnostics[0].Rule)
	assert.Equal(t, "5", res.Diagnostics[0].Subject)
	assert.Contains(t, res.Diagnostics[0].Message, "boom")
}

func TestConcurrencyEquivalence(t *testing.T) {
	var procs []canonical.Process
	var conns []canonical.Connection
	for i := 0; i < 500; i++ {
		name := "notepad.exe"
		if i%3 == 0 {
			name = "rundll32.exe"
		}
		p := proc(uint32(i), name, float64(i%40))
		if i%7 == 0 {
			p.Hash = ptr(fmt.Sprintf("0000%04x", i))
		}
		procs = append(procs, p)
		conns = append(conns, canonical.Connection{
			Protocol:      canonical.ProtocolTCP,
			RemoteAddress: ptr("192.0.2.1"),
			RemotePort:    ptr(uint16(4440 + i%10)),
			PID:           ptr(uint32(i)),
		})
	}
	batch := canonical.Batch{Processes: procs, Connections: conns}

	seqCfg := DefaultConfig()
	seqCfg.Workers = 1
	parCfg := DefaultConfig()
	parCfg.Workers = 16

	seq := New(seqCfg).Evaluate(context.Background(), batch)
	par := New(parCfg).Evaluate(context.Background(), batch)
	require.NotEmpty(t, seq.Alerts)
	assert.Equal(t, seq.Alerts, par.Alerts)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(DefaultConfig()).Evaluate(ctx, canonical.Batch{Processes: []canonical.Process{proc(1, "cmd.exe", 90)}})
	assert.Empty(t, res.Alerts)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "not evaluated")
}

func TestEmptyBatch(t *testing.T) {
	res := New(DefaultConfig()).Evaluate(context.Background(), canonical.Batch{})
	assert.NotNil(t, res.Alerts)
	assert.Empty(t, res.Alerts)
}
