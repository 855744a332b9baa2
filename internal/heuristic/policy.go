package heuristic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

const (
	policyPackagePrefix = "data.edrcore."
	policyRuleName      = "alerts"
)

// PolicyRule is a rule defined by a Rego module. The module's package is
// edrcore.<kind> and it defines a set rule "alerts" of reason strings; the
// canonical record is the policy input.
//
//	package edrcore.process
//
//	alerts contains msg if {
//		input.name == "mimikatz.exe"
//		msg := "known credential dumper"
//	}
type PolicyRule[R any] struct {
	name  string
	query rego.PreparedEvalQuery
}

// Name implements Rule.
func (p *PolicyRule[R]) Name() string { return p.name }

// Evaluate implements Rule. Evaluation errors yield no alerts; the engine
// uses EvaluateContext to surface them.
func (p *PolicyRule[R]) Evaluate(rec R) []alert.Alert {
	out, _ := p.EvaluateContext(context.Background(), rec)
	return out
}

// EvaluateContext implements ContextRule.
func (p *PolicyRule[R]) EvaluateContext(ctx context.Context, rec R) ([]alert.Alert, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(rec))
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("policy %s: alerts is %T, want a set of strings", p.name, rs[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("policy %s: alert reason is %T, want string", p.name, v)
		}
		reasons = append(reasons, s)
	}
	sort.Strings(reasons)

	out := make([]alert.Alert, 0, len(reasons))
	for _, reason := range reasons {
		out = append(out, newAlert(rec, p.name, reason))
	}
	return out, nil
}

// Policies holds compiled policy rules grouped by kind, in file name order.
type Policies struct {
	Processes   []*PolicyRule[canonical.Process]
	Files       []*PolicyRule[canonical.File]
	Connections []*PolicyRule[canonical.Connection]
	Registry    []*PolicyRule[canonical.RegistryValue]
}

// Len returns the number of compiled policies.
func (p *Policies) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Processes) + len(p.Files) + len(p.Connections) + len(p.Registry)
}

// LoadPolicies compiles every *.rego file in dir. A missing directory and
// any parse or compile failure are errors; an empty directory yields no
// policies.
func LoadPolicies(ctx context.Context, dir string) (*Policies, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".rego") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	p := &Policies{}
	for _, path := range files {
		if err := p.load(ctx, path); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Policies) load(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy %s: %w", path, err)
	}
	mod, err := ast.ParseModuleWithOpts(path, string(src), ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}

	pkg := mod.Package.Path.String()
	kind, ok := strings.CutPrefix(pkg, policyPackagePrefix)
	if !ok {
		return fmt.Errorf("policy %s: package %s is not under edrcore", path, strings.TrimPrefix(pkg, "data."))
	}
	if !definesAlerts(mod) {
		return fmt.Errorf("policy %s: no %q rule", path, policyRuleName)
	}

	query, err := rego.New(
		rego.Query(pkg+"."+policyRuleName),
		rego.Module(path, string(src)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}

	name := "policy:" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch canonical.Kind(kind) {
	case canonical.KindProcess:
		p.Processes = append(p.Processes, &PolicyRule[canonical.Process]{name: name, query: query})
	case canonical.KindFile:
		p.Files = append(p.Files, &PolicyRule[canonical.File]{name: name, query: query})
	case canonical.KindNetwork:
		p.Connections = append(p.Connections, &PolicyRule[canonical.Connection]{name: name, query: query})
	case canonical.KindRegistry:
		p.Registry = append(p.Registry, &PolicyRule[canonical.RegistryValue]{name: name, query: query})
	default:
		return fmt.Errorf("policy %s: unknown record kind %q", path, kind)
	}
	return nil
}

func definesAlerts(mod *ast.Module) bool {
	for _, r := range mod.Rules {
		ref := r.Head.Ref()
		if len(ref) > 0 && ref[0].Value.String() == policyRuleName {
			return true
		}
	}
	return false
}

// AddPolicies appends compiled policies after the rules already registered.
func (e *Engine) AddPolicies(p *Policies) {
	if p == nil {
		return
	}
	for _, r := range p.Processes {
		e.Processes.Add(r)
	}
	for _, r := range p.Files {
		e.Files.Add(r)
	}
	for _, r := range p.Connections {
		e.Connections.Add(r)
	}
	for _, r := range p.Registry {
		e.Registry.Add(r)
	}
}
