// edrcore - endpoint detection analysis agent
//
//	edrcore scan          Collect telemetry, run heuristics and signatures, write a report
//	edrcore watch         Analyze files as they change
//	edrcore rules check   Compile a rule directory without scanning
//	edrcore config init   Write the default configuration
//	edrcore version       Print version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"edrcore/internal/config"
	"edrcore/internal/health"
	"edrcore/internal/pipeline"
	"edrcore/internal/report"
	"edrcore/internal/signature"
	"edrcore/internal/watcher"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "scan":
		err = cmdScan(args)
	case "watch":
		err = cmdWatch(args)
	case "rules":
		err = cmdRules(args)
	case "config":
		err = cmdConfig(args)
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`edrcore - Endpoint detection analysis

USAGE:
    edrcore <command> [options]

COMMANDS:
    scan                Collect telemetry and write a detection report
    watch               Analyze files under the watch paths as they change
    rules check <dir>   Compile signature rules and report problems
    config init         Write the default configuration file
    version             Show version information
    help                Show this help message

SCAN OPTIONS:
    -config <file>      Configuration file (TOML, JSON or YAML)
    -rules <dir>        Signature rule directory
    -policies <dir>     Rego policy directory
    -o <file>           Report path, "-" for stdout
    -root <dir>         Directory to walk for files (repeatable)
    -no-signatures      Skip signature scanning

ENVIRONMENT:
    EDRCORE_LOG_LEVEL, EDRCORE_RULES_DIR, EDRCORE_REPORT_PATH,
    EDRCORE_REDIS_ADDR, EDRCORE_METRICS_LISTEN, EDRCORE_OTLP_ENDPOINT, ...`)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// scanFlags are the flags shared by scan and watch.
type scanFlags struct {
	configPath   string
	rulesDir     string
	policyDir    string
	output       string
	roots        stringList
	noSignatures bool
	timeout      time.Duration
}

func (f *scanFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Configuration file")
	fs.StringVar(&f.rulesDir, "rules", "", "Signature rule directory")
	fs.StringVar(&f.policyDir, "policies", "", "Rego policy directory")
	fs.Var(&f.roots, "root", "Directory to walk for files (repeatable)")
	fs.BoolVar(&f.noSignatures, "no-signatures", false, "Skip signature scanning")
}

// apply returns a copy of base with the command line overlaid, revalidated.
// base is left untouched.
func (f *scanFlags) apply(base *config.Config) (*config.Config, error) {
	cfg := base.Clone()
	if f.rulesDir != "" {
		cfg.Signatures.RulesDir = f.rulesDir
		cfg.Signatures.Enabled = true
	}
	if f.noSignatures {
		cfg.Signatures.Enabled = false
	}
	if f.policyDir != "" {
		cfg.Policies.Dir = f.policyDir
	}
	if f.output != "" {
		cfg.Output.ReportPath = f.output
	}
	if len(f.roots) > 0 {
		cfg.Collection.Roots = slices.Clone([]string(f.roots))
	}
	if f.timeout != 0 {
		cfg.Signatures.DeadlineMs = int(f.timeout.Milliseconds())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(f *scanFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return f.apply(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func cmdScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var f scanFlags
	f.register(fs)
	fs.StringVar(&f.output, "o", "", "Report path, \"-\" for stdout")
	fs.DurationVar(&f.timeout, "timeout", 0, "Overall deadline for the run (e.g. 10m)")
	fs.Parse(args)

	cfg, err := loadConfig(&f)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return runScan(ctx, cfg)
}

// runScan performs one full analysis run and writes the report to every
// configured sink.
func runScan(ctx context.Context, cfg *config.Config) error {
	a, err := startAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := pipeline.Build(ctx, cfg, a.logger, a.metrics, a.journal)
	if err != nil {
		return err
	}

	sink, err := buildSinks(ctx, cfg, a.health)
	if err != nil {
		return err
	}
	defer sink.Close()
	a.ready(p.RuleCounts)

	r := p.Run(ctx)
	if err := sink.Write(ctx, r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var f scanFlags
	f.register(fs)
	fs.Parse(args)

	cfg, err := loadConfig(&f)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := startAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := pipeline.Build(ctx, cfg, a.logger, a.metrics, a.journal)
	if err != nil {
		return err
	}

	var publish report.Sink
	if cfg.Output.Redis.Addr != "" {
		rs, err := report.NewRedisSink(ctx, redisOptions(cfg.Output.Redis))
		if err != nil {
			return err
		}
		defer rs.Close()
		publish = rs
		a.health.Register(health.Component{Name: "redis", Check: health.PingCheck(rs.Ping)})
	}

	w, err := watcher.New(cfg.WatchPaths(), watcher.Options{
		Debounce: time.Duration(cfg.Watch.DebounceMs) * time.Millisecond,
		Exclude:  cfg.Watch.ExcludePatterns,
		SkipDirs: cfg.Collection.SkipDirs,
		File:     pipeline.FileOptions(cfg.Collection),
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	a.ready(p.RuleCounts)

	log := a.logger.WithComponent("watch")
	log.Info("watching", "paths", w.WatchedPaths(), "debounce_ms", cfg.Watch.DebounceMs)

	host, _ := os.Hostname()
	for {
		select {
		case <-ctx.Done():
			log.Info("watch stopped")
			return nil

		case err, ok := <-w.Errors():
			if ok {
				log.Warn("watch error", "error", err)
			}

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			a.metrics.RecordWatchEvent()
			started := time.Now()
			alerts, diags := p.ScanFile(ctx, ev.File)
			if len(alerts) == 0 {
				continue
			}
			if err := report.WriteAlerts(os.Stdout, alerts, cfg.Output.Pretty); err != nil {
				log.Error("write alerts", "error", err)
			}
			if publish != nil {
				r := report.Report{
					SchemaVersion: report.SchemaVersion,
					RunID:         uuid.NewString(),
					Host:          host,
					Started:       started,
					Finished:      time.Now(),
					Counts:        report.Counts{Files: 1, Scanned: 1},
					Alerts:        alerts,
					Diagnostics:   diags,
				}
				if err := publish.Write(ctx, r); err != nil {
					log.Error("publish alerts", "error", err)
				}
			}
		}
	}
}

func cmdRules(args []string) error {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(os.Stderr, "Usage: edrcore rules check [-backend builtin|libyara] <dir>")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("rules check", flag.ExitOnError)
	backend := fs.String("backend", string(signature.BackendBuiltin), "Signature backend")
	fs.Parse(args[1:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: edrcore rules check [-backend builtin|libyara] <dir>")
		os.Exit(1)
	}

	n, err := checkRules(signature.BackendKind(*backend), fs.Arg(0))
	if err != nil {
		var ce *signature.CompileError
		if errors.As(err, &ce) {
			for _, p := range ce.Problems {
				fmt.Fprintln(os.Stderr, p.String())
			}
			return fmt.Errorf("%d problem(s) in %s", len(ce.Problems), fs.Arg(0))
		}
		return err
	}
	fmt.Printf("%s: %d rule(s) OK\n", fs.Arg(0), n)
	return nil
}

// checkRules compiles dir and returns the rule count.
func checkRules(kind signature.BackendKind, dir string) (int, error) {
	backend, err := signature.Load(kind, dir, 1)
	if err != nil {
		return 0, err
	}
	return backend.RuleCount(), nil
}

func cmdConfig(args []string) error {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "Usage: edrcore config init [path]")
		os.Exit(1)
	}

	path := config.ConfigPath()
	if len(args) > 1 {
		path = args[1]
	}
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else {
		fmt.Printf("Configuration already exists at %s\n", path)
	}
	return nil
}

func cmdVersion() {
	fmt.Printf("edrcore %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
