package heuristic

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

// Result is the outcome of evaluating a batch.
type Result struct {
	Alerts      []alert.Alert
	Diagnostics []alert.Diagnostic
}

// Engine holds one ruleset per canonical record kind.
type Engine struct {
	Processes   Ruleset[canonical.Process]
	Files       Ruleset[canonical.File]
	Connections Ruleset[canonical.Connection]
	Registry    Ruleset[canonical.RegistryValue]

	// Workers bounds concurrent record evaluations per kind.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int
}

// New returns an engine with the built-in rules enabled by cfg registered
// in their documented order.
func New(cfg Config) *Engine {
	e := &Engine{Workers: cfg.Workers}
	registerBuiltins(e, cfg)
	return e
}

// RuleCount returns the number of registered rules across all kinds.
func (e *Engine) RuleCount() int {
	return e.Processes.Len() + e.Files.Len() + e.Connections.Len() + e.Registry.Len()
}

// Evaluate applies every rule of each kind to every record of that kind.
// Alerts are ordered by kind (process, file, network, registry), then by
// record index, then by rule insertion order.
func (e *Engine) Evaluate(ctx context.Context, b canonical.Batch) Result {
	var res Result
	res.merge(Apply(ctx, &e.Processes, b.Processes, e.Workers))
	res.merge(Apply(ctx, &e.Files, b.Files, e.Workers))
	res.merge(Apply(ctx, &e.Connections, b.Connections, e.Workers))
	res.merge(Apply(ctx, &e.Registry, b.Registry, e.Workers))
	if res.Alerts == nil {
		res.Alerts = []alert.Alert{}
	}
	return res
}

// EvaluateFiles applies only the file rules.
func (e *Engine) EvaluateFiles(ctx context.Context, files []canonical.File) Result {
	return e.Evaluate(ctx, canonical.Batch{Files: files})
}

func (r *Result) merge(alerts []alert.Alert, diags []alert.Diagnostic) {
	r.Alerts = append(r.Alerts, alerts...)
	r.Diagnostics = append(r.Diagnostics, diags...)
}

// Apply evaluates every rule in rules against every record, using at most
// workers goroutines. Output order depends only on record index and rule
// order. A rule that panics or fails produces a diagnostic and the other
// rules still run. Records not started before ctx is done are reported as a
// single diagnostic.
func Apply[R any](ctx context.Context, rules *Ruleset[R], records []R, workers int) ([]alert.Alert, []alert.Diagnostic) {
	if rules.Len() == 0 || len(records) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	list := rules.Rules()
	alerts := make([][]alert.Alert, len(records))
	diags := make([][]alert.Diagnostic, len(records))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	skipped := 0
	for i := range records {
		if ctx.Err() != nil {
			skipped = len(records) - i
			break
		}
		g.Go(func() error {
			for _, rule := range list {
				a, d := evaluate(ctx, rule, records[i])
				alerts[i] = append(alerts[i], a...)
				if d != nil {
					diags[i] = append(diags[i], *d)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var outAlerts []alert.Alert
	var outDiags []alert.Diagnostic
	for i := range records {
		outAlerts = append(outAlerts, alerts[i]...)
		outDiags = append(outDiags, diags[i]...)
	}
	if skipped > 0 {
		outDiags = append(outDiags, alert.Diagnostic{
			Stage:   alert.StageHeuristic,
			Message: fmt.Sprintf("%d records not evaluated: %v", skipped, ctx.Err()),
		})
	}
	return outAlerts, outDiags
}

func evaluate[R any](ctx context.Context, rule Rule[R], rec R) (alerts []alert.Alert, diag *alert.Diagnostic) {
	defer func() {
		if p := recover(); p != nil {
			alerts = nil
			diag = &alert.Diagnostic{
				Stage:   alert.StageHeuristic,
				Subject: subject(rec),
				Rule:    rule.Name(),
				Message: fmt.Sprintf("rule panicked: %v", p),
			}
		}
	}()

	if cr, ok := rule.(ContextRule[R]); ok {
		out, err := cr.EvaluateContext(ctx, rec)
		if err != nil {
			return nil, &alert.Diagnostic{
				Stage:   alert.StageHeuristic,
				Subject: subject(rec),
				Rule:    rule.Name(),
				Message: err.Error(),
			}
		}
		return out, nil
	}
	return rule.Evaluate(rec), nil
}
