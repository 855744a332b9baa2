package heuristic

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

// Built-in rule names.
const (
	RuleLOLBinHighCPU     = "lolbin-high-cpu"
	RuleSvchostNonSystem  = "svchost-non-system"
	RuleHashPrefix        = "hash-prefix"
	RuleHiddenExecutable  = "hidden-executable"
	RuleSuspiciousPort    = "suspicious-port"
	RuleAutorunTempFolder = "autorun-temp"
)

// BuiltinRules lists the built-in rule names in registration order.
var BuiltinRules = []string{
	RuleLOLBinHighCPU,
	RuleSvchostNonSystem,
	RuleHashPrefix,
	RuleHiddenExecutable,
	RuleSuspiciousPort,
	RuleAutorunTempFolder,
}

// DefaultLOLBins are living-off-the-land binaries commonly abused to run
// attacker code under a trusted name.
var DefaultLOLBins = []string{
	"rundll32.exe",
	"regsvr32.exe",
	"powershell.exe",
	"wmic.exe",
	"certutil.exe",
	"mshta.exe",
	"cmd.exe",
	"cscript.exe",
	"wscript.exe",
}

// Config selects and tunes the built-in rules.
type Config struct {
	Workers         int
	Disabled        []string
	LOLBins         []string
	CPUThreshold    float64
	HashPrefix      string
	SuspiciousPorts []uint16
}

// DefaultConfig returns the stock rule configuration.
func DefaultConfig() Config {
	return Config{
		LOLBins:         slices.Clone(DefaultLOLBins),
		CPUThreshold:    10.0,
		HashPrefix:      "0000",
		SuspiciousPorts: []uint16{4444, 1337},
	}
}

func (c Config) enabled(name string) bool {
	return !slices.Contains(c.Disabled, name)
}

func registerBuiltins(e *Engine, cfg Config) {
	if cfg.enabled(RuleLOLBinHighCPU) {
		e.Processes.Add(newLOLBinRule(cfg.LOLBins, cfg.CPUThreshold))
	}
	if cfg.enabled(RuleSvchostNonSystem) {
		e.Processes.Add(Func[canonical.Process]{RuleName: RuleSvchostNonSystem, Fn: svchostNonSystem})
	}
	if cfg.enabled(RuleHashPrefix) && cfg.HashPrefix != "" {
		e.Processes.Add(hashPrefixRule{prefix: strings.ToLower(cfg.HashPrefix)})
	}
	if cfg.enabled(RuleHiddenExecutable) {
		e.Files.Add(Func[canonical.File]{RuleName: RuleHiddenExecutable, Fn: hiddenExecutable})
	}
	if cfg.enabled(RuleSuspiciousPort) {
		e.Connections.Add(newPortRule(cfg.SuspiciousPorts))
	}
	if cfg.enabled(RuleAutorunTempFolder) {
		e.Registry.Add(Func[canonical.RegistryValue]{RuleName: RuleAutorunTempFolder, Fn: autorunTemp})
	}
}

type lolbinRule struct {
	names     map[string]struct{}
	threshold float64
}

func newLOLBinRule(names []string, threshold float64) lolbinRule {
	r := lolbinRule{names: make(map[string]struct{}, len(names)), threshold: threshold}
	for _, n := range names {
		r.names[strings.ToLower(n)] = struct{}{}
	}
	return r
}

func (lolbinRule) Name() string { return RuleLOLBinHighCPU }

func (r lolbinRule) Evaluate(p canonical.Process) []alert.Alert {
	if _, ok := r.names[strings.ToLower(p.Name)]; !ok {
		return nil
	}
	if !(p.CPUPercent > r.threshold) {
		return nil
	}
	return []alert.Alert{alert.Process(p.PID, RuleLOLBinHighCPU,
		fmt.Sprintf("LOLBin '%s' using high CPU (%.1f%%)", p.Name, p.CPUPercent))}
}

func svchostNonSystem(p canonical.Process) []alert.Alert {
	if !strings.Contains(strings.ToLower(p.Name), "svchost") || p.User == nil {
		return nil
	}
	if isSystemAccount(*p.User) {
		return nil
	}
	return []alert.Alert{alert.Process(p.PID, RuleSvchostNonSystem,
		fmt.Sprintf("svchost.exe running as non-SYSTEM user '%s'", *p.User))}
}

// isSystemAccount compares the account part of owner, after any domain
// prefix such as NT AUTHORITY\, with "system".
func isSystemAccount(owner string) bool {
	if i := strings.LastIndexByte(owner, '\\'); i >= 0 {
		owner = owner[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(owner), "system")
}

type hashPrefixRule struct {
	prefix string
}

func (hashPrefixRule) Name() string { return RuleHashPrefix }

func (r hashPrefixRule) Evaluate(p canonical.Process) []alert.Alert {
	if p.Hash == nil || !strings.HasPrefix(strings.ToLower(*p.Hash), r.prefix) {
		return nil
	}
	return []alert.Alert{alert.Process(p.PID, RuleHashPrefix,
		fmt.Sprintf("process hash matches suspicious prefix '%s'", r.prefix))}
}

func hiddenExecutable(f canonical.File) []alert.Alert {
	if f.Hidden == nil || f.Executable == nil || !*f.Hidden || !*f.Executable {
		return nil
	}
	return []alert.Alert{alert.File(f.Path, RuleHiddenExecutable, "hidden executable file")}
}

type portRule struct {
	ports map[uint16]struct{}
}

func newPortRule(ports []uint16) portRule {
	r := portRule{ports: make(map[uint16]struct{}, len(ports))}
	for _, p := range ports {
		r.ports[p] = struct{}{}
	}
	return r
}

func (portRule) Name() string { return RuleSuspiciousPort }

func (r portRule) Evaluate(c canonical.Connection) []alert.Alert {
	if c.RemotePort == nil {
		return nil
	}
	if _, ok := r.ports[*c.RemotePort]; !ok {
		return nil
	}
	return []alert.Alert{alert.Network(connectionSubject(c), RuleSuspiciousPort,
		fmt.Sprintf("connection to suspicious remote port %d", *c.RemotePort))}
}

// autorunTemp matches on the value name, not the key path: every collected
// value already lives under a Run or RunOnce key.
func autorunTemp(r canonical.RegistryValue) []alert.Alert {
	if !strings.Contains(strings.ToLower(r.ValueName), "run") {
		return nil
	}
	if !strings.Contains(strings.ToLower(r.Data), "temp") {
		return nil
	}
	return []alert.Alert{alert.Registry(registrySubject(r), RuleAutorunTempFolder,
		fmt.Sprintf("autorun entry points into a temp folder: %s", r.Data))}
}

// connectionSubject is the owning pid when known, otherwise the remote
// endpoint, otherwise the local endpoint.
func connectionSubject(c canonical.Connection) string {
	if c.PID != nil {
		return strconv.FormatUint(uint64(*c.PID), 10)
	}
	if c.RemoteAddress != nil {
		port := ""
		if c.RemotePort != nil {
			port = strconv.Itoa(int(*c.RemotePort))
		}
		return net.JoinHostPort(*c.RemoteAddress, port)
	}
	return net.JoinHostPort(c.LocalAddress, strconv.Itoa(int(c.LocalPort)))
}

func registrySubject(r canonical.RegistryValue) string {
	if r.ValueName == "" {
		return r.KeyPath
	}
	return r.KeyPath + `\` + r.ValueName
}
