package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"edrcore/internal/collect"
	"edrcore/internal/config"
	"edrcore/internal/heuristic"
	"edrcore/internal/logging"
	"edrcore/internal/metrics"
	"edrcore/internal/signature"
	"edrcore/internal/telemetry"
)

// Build assembles a pipeline from cfg: the heuristic engine with any Rego
// policies, the signature backend and scanner, and the collector. A rule
// or policy that fails to compile is returned as an error.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *metrics.EdrcoreMetrics, journal *logging.Journal) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("pipeline")

	engine, err := BuildHeuristics(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var scanner *signature.Scanner
	if cfg.Signatures.Enabled {
		scanner, err = BuildScanner(cfg.Signatures)
		if err != nil {
			return nil, err
		}
	}

	p := New(Options{
		Collector:  BuildCollector(cfg.Collection),
		Heuristics: engine,
		Scanner:    scanner,
		Logger:     logger,
		Journal:    journal,
		Metrics:    m,
		Deadline:   time.Duration(cfg.Signatures.DeadlineMs) * time.Millisecond,
	})

	counts := p.RuleCounts()
	for name, n := range counts {
		m.SetRulesLoaded(name, n)
	}
	if journal != nil {
		if err := journal.RulesLoaded(ctx, counts); err != nil {
			log.Warn("journal write failed", "error", err)
		}
	}
	log.Info("rules loaded", "heuristic", counts["heuristic"], "signature", counts["signature"],
		"backend", cfg.Signatures.Backend)
	return p, nil
}

// HeuristicConfig maps the heuristics section onto the engine config.
// Unset lists keep the built-in defaults.
func HeuristicConfig(c config.HeuristicsConfig) heuristic.Config {
	hc := heuristic.DefaultConfig()
	hc.Workers = c.Workers
	hc.Disabled = c.Disabled
	if len(c.LOLBins) > 0 {
		hc.LOLBins = c.LOLBins
	}
	if c.CPUThreshold > 0 {
		hc.CPUThreshold = c.CPUThreshold
	}
	hc.HashPrefix = c.HashPrefix
	if len(c.SuspiciousPorts) > 0 {
		hc.SuspiciousPorts = c.SuspiciousPorts
	}
	return hc
}

// BuildHeuristics creates the heuristic engine and registers the policies
// in cfg.Policies.Dir after the built-in rules.
func BuildHeuristics(ctx context.Context, cfg *config.Config) (*heuristic.Engine, error) {
	engine := heuristic.New(HeuristicConfig(cfg.Heuristics))
	if cfg.Policies.Dir == "" {
		return engine, nil
	}
	policies, err := heuristic.LoadPolicies(ctx, cfg.Policies.Dir)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	engine.AddPolicies(policies)
	return engine, nil
}

// BuildScanner compiles the signature rules with the configured backend.
func BuildScanner(c config.SignaturesConfig) (*signature.Scanner, error) {
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var opts []signature.Option
	if len(c.Extensions) > 0 {
		opts = append(opts, signature.WithExtensions(c.Extensions...))
	}
	opts = append(opts, signature.WithMaxMatches(c.MaxMatchesPerString))

	backend, err := signature.Load(signature.BackendKind(c.Backend), c.RulesDir, workers, opts...)
	if err != nil {
		return nil, err
	}

	s := &signature.Scanner{
		Backend:      backend,
		Workers:      workers,
		MaxScanBytes: c.MaxScanBytes,
		Oversize:     signature.OversizePolicy(c.Oversize),
		FileTimeout:  time.Duration(c.FileTimeoutMs) * time.Millisecond,
	}
	if s.MaxScanBytes <= 0 {
		s.MaxScanBytes = signature.DefaultMaxScanBytes
	}
	if s.Oversize == "" {
		s.Oversize = signature.OversizePrefix
	}
	return s, nil
}

// BuildCollector maps the collection section onto a collector.
func BuildCollector(c config.CollectionConfig) *collect.Collector {
	return &collect.Collector{
		Processes:   c.Processes,
		Connections: c.Connections,
		Registry:    c.Registry,
		Roots:       c.Roots,
		ProcessOptions: collect.ProcessOptions{
			HashExecutables: c.HashExecutables,
			Workers:         c.Workers,
		},
		FileOptions: FileOptions(c),
	}
}

// FileOptions maps the collection section onto file collection options.
func FileOptions(c config.CollectionConfig) collect.FileOptions {
	return collect.FileOptions{
		MaxAge:       time.Duration(c.MaxFileAgeHours) * time.Hour,
		Attributes:   telemetry.DefaultFileAttributes(),
		EntropyBytes: c.EntropyBytes,
		MaxFiles:     c.MaxFiles,
		SkipDirs:     c.SkipDirs,
	}
}
