// Package pipeline runs one analysis pass: collect telemetry, canonicalize
// it, evaluate heuristics and scan the flagged files for signatures in
// parallel, then aggregate both into a single report.
package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
	"edrcore/internal/collect"
	"edrcore/internal/heuristic"
	"edrcore/internal/logging"
	"edrcore/internal/metrics"
	"edrcore/internal/report"
	"edrcore/internal/signature"
	"edrcore/internal/telemetry"
	"edrcore/internal/tracing"
)

// Options wires the pipeline's collaborators. Heuristics is required; the
// others are optional.
type Options struct {
	Collector  *collect.Collector
	Heuristics *heuristic.Engine
	// Scanner is nil when signature scanning is disabled.
	Scanner *signature.Scanner

	Logger  *logging.Logger
	Journal *logging.Journal
	Metrics *metrics.EdrcoreMetrics

	Host string

	// Deadline bounds a whole Run, collection included (0 = none). Work
	// cut off by it is reported as diagnostics.
	Deadline time.Duration
}

// Pipeline runs analysis passes with a fixed set of collaborators.
type Pipeline struct {
	opts Options
	log  *logging.Logger
	now  func() time.Time
}

// New returns a pipeline over opts.
func New(opts Options) *Pipeline {
	if opts.Heuristics == nil {
		opts.Heuristics = heuristic.New(heuristic.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	return &Pipeline{
		opts: opts,
		log:  opts.Logger.WithComponent("pipeline"),
		now:  time.Now,
	}
}

// RuleCounts returns the number of loaded rules per engine. The signature
// entry is present only when scanning is enabled.
func (p *Pipeline) RuleCounts() map[string]int {
	counts := map[string]int{"heuristic": p.opts.Heuristics.RuleCount()}
	if p.opts.Scanner != nil {
		counts["signature"] = p.opts.Scanner.Backend.RuleCount()
	}
	return counts
}

// Run collects a snapshot and analyzes it.
func (p *Pipeline) Run(ctx context.Context) report.Report {
	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, "pipeline.run", attribute.String("run.id", runID))
	defer span.End()

	// Only collection and detection run under the deadline; the report is
	// finished on the caller's context.
	outer := ctx
	if p.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}

	started := p.now()
	var snap telemetry.Snapshot
	var collectDiags []alert.Diagnostic
	if p.opts.Collector != nil {
		timer := p.opts.Metrics.StartStageTimer(metrics.StageCollect)
		cctx, cspan := tracing.StartSpan(ctx, "pipeline.collect")
		snap, collectDiags = p.opts.Collector.Snapshot(cctx)
		cspan.SetAttributes(attribute.Int("records", snap.Len()))
		cspan.End()
		timer.ObserveDuration()
	}

	r := p.analyze(ctx, runID, started, snap, collectDiags)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && outer.Err() == nil {
		p.log.WithContext(outer).Warn("run deadline exceeded", "deadline", p.opts.Deadline,
			"diagnostics", len(r.Diagnostics))
	}
	p.finish(outer, &r)
	return r
}

// Analyze runs the core over an already collected snapshot.
func (p *Pipeline) Analyze(ctx context.Context, snap telemetry.Snapshot) report.Report {
	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, "pipeline.analyze", attribute.String("run.id", runID))
	defer span.End()

	r := p.analyze(ctx, runID, p.now(), snap, nil)
	p.finish(ctx, &r)
	return r
}

// analyze canonicalizes snap and runs detection. collectDiags are reported
// ahead of the detection diagnostics.
func (p *Pipeline) analyze(ctx context.Context, runID string, started time.Time, snap telemetry.Snapshot, collectDiags []alert.Diagnostic) report.Report {
	log := p.log.WithContext(ctx)
	if p.opts.Journal != nil {
		if err := p.opts.Journal.RunStarted(ctx, snap.Len()); err != nil {
			log.Warn("journal write failed", "error", err)
		}
	}
	p.emitDiagnostics(ctx, collectDiags)

	timer := p.opts.Metrics.StartStageTimer(metrics.StageCanonicalize)
	batch := canonical.FromSnapshot(snap)
	timer.ObserveDuration()
	p.countRecords(batch)

	heur, sigMatches, scanned, sigDiags := p.detect(ctx, batch)

	alerts := alert.Aggregate(heur.Alerts, sigMatches)
	diags := make([]alert.Diagnostic, 0, len(collectDiags)+len(heur.Diagnostics)+len(sigDiags))
	diags = append(diags, collectDiags...)
	diags = append(diags, heur.Diagnostics...)
	diags = append(diags, sigDiags...)

	r := report.Report{
		SchemaVersion: report.SchemaVersion,
		RunID:         runID,
		Host:          p.opts.Host,
		Started:       started,
		Counts: report.Counts{
			Processes:   len(batch.Processes),
			Files:       len(batch.Files),
			Connections: len(batch.Connections),
			Registry:    len(batch.Registry),
			Scanned:     scanned,
		},
		Alerts:      alerts,
		Diagnostics: diags,
	}
	p.emitAlerts(ctx, alerts)
	p.emitDiagnostics(ctx, diags[len(collectDiags):])
	return r
}

// detect runs the heuristic engine and the signature scanner concurrently.
// Neither returns an error; their failures are diagnostics.
func (p *Pipeline) detect(ctx context.Context, batch canonical.Batch) (heuristic.Result, []alert.SignatureMatch, int, []alert.Diagnostic) {
	var heur heuristic.Result
	var matches []alert.SignatureMatch
	var diags []alert.Diagnostic
	var scanned int

	g := new(errgroup.Group)
	g.Go(func() error {
		timer := p.opts.Metrics.StartStageTimer(metrics.StageHeuristic)
		defer timer.ObserveDuration()
		hctx, span := tracing.StartSpan(ctx, "heuristic.evaluate", attribute.Int("records", batch.Len()))
		defer span.End()
		heur = p.opts.Heuristics.Evaluate(hctx, batch)
		span.SetAttributes(attribute.Int("alerts", len(heur.Alerts)))
		return nil
	})
	if p.opts.Scanner != nil && len(batch.Files) > 0 {
		paths := make([]string, len(batch.Files))
		for i, f := range batch.Files {
			paths[i] = f.Path
		}
		g.Go(func() error {
			timer := p.opts.Metrics.StartStageTimer(metrics.StageSignature)
			defer timer.ObserveDuration()
			sctx, span := tracing.StartSpan(ctx, "signature.scan", attribute.Int("files", len(paths)))
			defer span.End()
			matches, scanned, diags = p.scanFiles(sctx, paths)
			span.SetAttributes(attribute.Int("matches", len(matches)))
			return nil
		})
	}
	_ = g.Wait()
	return heur, matches, scanned, diags
}

func (p *Pipeline) scanFiles(ctx context.Context, paths []string) ([]alert.SignatureMatch, int, []alert.Diagnostic) {
	var matches []alert.SignatureMatch
	var diags []alert.Diagnostic
	scanned := 0
	for _, res := range p.opts.Scanner.ScanFiles(ctx, paths) {
		matches = append(matches, res.SignatureMatches()...)
		if d, ok := res.Diagnostic(); ok {
			diags = append(diags, d)
			outcome := "skipped"
			if res.Err != nil {
				outcome = "error"
			}
			p.opts.Metrics.RecordFileScan(outcome, 0)
			continue
		}
		p.opts.Metrics.RecordFileScan("scanned", 0)
		scanned++
	}
	return matches, scanned, diags
}

// ScanFile analyzes one file outside a full run: file heuristics plus a
// signature scan. Watch mode uses it for each changed file.
func (p *Pipeline) ScanFile(ctx context.Context, f telemetry.File) ([]alert.Alert, []alert.Diagnostic) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.scan_file", attribute.String("file.path", f.Path))
	defer span.End()

	cf := canonical.FromFile(f)
	heur := p.opts.Heuristics.EvaluateFiles(ctx, []canonical.File{cf})

	var matches []alert.SignatureMatch
	diags := heur.Diagnostics
	if p.opts.Scanner != nil {
		start := p.now()
		res := p.opts.Scanner.ScanFile(ctx, cf.Path)
		matches = res.SignatureMatches()
		if d, ok := res.Diagnostic(); ok {
			diags = append(diags, d)
			outcome := "skipped"
			if res.Err != nil {
				outcome = "error"
			}
			p.opts.Metrics.RecordFileScan(outcome, 0)
		} else {
			p.opts.Metrics.RecordFileScan("scanned", p.now().Sub(start))
		}
	}

	alerts := alert.Aggregate(heur.Alerts, matches)
	p.emitAlerts(ctx, alerts)
	p.emitDiagnostics(ctx, diags)
	return alerts, diags
}

func (p *Pipeline) finish(ctx context.Context, r *report.Report) {
	r.Finished = p.now()
	if r.Alerts == nil {
		r.Alerts = []alert.Alert{}
	}
	if r.Diagnostics == nil {
		r.Diagnostics = []alert.Diagnostic{}
	}
	p.opts.Metrics.RunFinished(r.Finished)

	if p.opts.Journal != nil {
		if err := p.opts.Journal.RunFinished(ctx, len(r.Alerts), len(r.Diagnostics)); err != nil {
			p.log.Warn("journal write failed", "error", err)
		}
	}
	p.log.WithContext(ctx).Info("analysis finished",
		"alerts", len(r.Alerts),
		"diagnostics", len(r.Diagnostics),
		"scanned", r.Counts.Scanned,
		"duration", r.Finished.Sub(r.Started),
	)
}

func (p *Pipeline) emitAlerts(ctx context.Context, alerts []alert.Alert) {
	p.opts.Metrics.RecordAlerts(alerts)
	log := p.log.WithContext(ctx)
	for _, a := range alerts {
		log.Info("alert", "kind", a.Kind, "source", a.Source, "subject", a.Subject, "rule", a.RuleName, "reason", a.Reason)
		if p.opts.Journal != nil {
			if err := p.opts.Journal.Alert(ctx, a); err != nil {
				log.Warn("journal write failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) emitDiagnostics(ctx context.Context, diags []alert.Diagnostic) {
	p.opts.Metrics.RecordDiagnostics(diags)
	log := p.log.WithContext(ctx)
	for _, d := range diags {
		log.Warn("diagnostic", "stage", d.Stage, "subject", d.Subject, "rule", d.Rule, "message", d.Message)
		if p.opts.Journal != nil {
			if err := p.opts.Journal.Diagnostic(ctx, d); err != nil {
				log.Warn("journal write failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) countRecords(b canonical.Batch) {
	m := p.opts.Metrics
	m.RecordRecords(string(canonical.KindProcess), len(b.Processes))
	m.RecordRecords(string(canonical.KindFile), len(b.Files))
	m.RecordRecords(string(canonical.KindNetwork), len(b.Connections))
	m.RecordRecords(string(canonical.KindRegistry), len(b.Registry))
}
