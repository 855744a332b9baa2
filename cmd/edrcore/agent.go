package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"edrcore/internal/config"
	"edrcore/internal/health"
	"edrcore/internal/logging"
	"edrcore/internal/metrics"
	"edrcore/internal/report"
	"edrcore/internal/tracing"
)

// agent holds the process-wide services a command runs with.
type agent struct {
	logger  *logging.Logger
	journal *logging.Journal
	metrics *metrics.EdrcoreMetrics
	health  *health.Checker

	shutdownTracing tracing.ShutdownFunc
}

// startAgent sets up logging, the journal, metrics and tracing from cfg.
func startAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	lc, err := loggingConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	a := &agent{
		logger:          logger,
		health:          health.NewChecker(),
		shutdownTracing: func(context.Context) error { return nil },
	}
	a.health.Register(health.Component{Name: "memory", Check: health.MemoryCheck(95)})
	a.health.Register(health.Component{Name: "disk", Check: health.DiskSpaceCheck(outputDir(cfg), minFreeBytes)})

	if cfg.Logging.JournalPath != "" {
		jc := logging.DefaultJournalConfig()
		jc.FilePath = cfg.Logging.JournalPath
		jc.Host, _ = os.Hostname()
		a.journal, err = logging.OpenJournal(jc)
		if err != nil {
			logger.Close()
			return nil, err
		}
	}

	registry := metrics.NewRegistry()
	a.metrics = metrics.NewEdrcoreMetrics(registry)
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := registry.Serve(ctx, cfg.Metrics.Listen, a.health.Mount); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
		logger.Info("metrics endpoint", "listen", cfg.Metrics.Listen)
	}

	shutdown, err := tracing.Init(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		// Tracing is optional; run without it.
		logger.Warn("tracing disabled", "error", err)
	} else {
		a.shutdownTracing = shutdown
	}
	return a, nil
}

// ready registers the rule check and marks the agent ready.
func (a *agent) ready(counts func() map[string]int) {
	a.health.Register(health.Component{Name: "rules", Critical: true, Check: health.RulesCheck(counts)})
	a.health.SetReady(true)
}

// Close flushes tracing and closes the journal and log outputs.
func (a *agent) Close() error {
	var errs []error
	if err := a.shutdownTracing(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	errs = append(errs, a.logger.Close())
	return errors.Join(errs...)
}

// loggingConfig maps the logging section onto a logging.Config.
func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	lc.FilePath = c.FilePath
	lc.MaxSize = int64(c.MaxSizeMB)
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	lc.RedactPatterns = c.RedactPatterns
	return lc, nil
}

// minFreeBytes is the free space below which the disk check degrades.
const minFreeBytes = 256 << 20

// outputDir is where reports land: the SQLite directory, else the report
// file's directory, else the working directory.
func outputDir(cfg *config.Config) string {
	switch {
	case cfg.Output.SQLiteDir != "":
		return cfg.Output.SQLiteDir
	case cfg.Output.ReportPath != "" && cfg.Output.ReportPath != "-":
		return filepath.Dir(cfg.Output.ReportPath)
	}
	return "."
}

func redisOptions(c config.RedisConfig) report.RedisOptions {
	return report.RedisOptions{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		Stream:   c.Stream,
		MaxLen:   c.MaxLen,
	}
}

// buildSinks returns the report destinations configured in cfg.Output.
// The JSON report sink is always present.
func buildSinks(ctx context.Context, cfg *config.Config, checker *health.Checker) (report.Sink, error) {
	sinks := report.MultiSink{&report.FileSink{
		Path:     cfg.Output.ReportPath,
		Pretty:   cfg.Output.Pretty,
		Validate: cfg.Output.Validate,
	}}

	if cfg.Output.SQLiteDir != "" {
		s, err := report.NewSQLiteSink(cfg.Output.SQLiteDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Output.Redis.Addr != "" {
		s, err := report.NewRedisSink(ctx, redisOptions(cfg.Output.Redis))
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
		if checker != nil {
			checker.Register(health.Component{Name: "redis", Check: health.PingCheck(s.Ping)})
		}
	}
	return sinks, nil
}
