// Package config handles configuration loading, validation, and defaults
// for edrcore.
//
// Configuration is read once at startup from a TOML, JSON or YAML file,
// overlaid with EDRCORE_* environment variables and validated. It is not
// reloaded while the agent runs.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Collection controls which telemetry is gathered.
	Collection CollectionConfig `toml:"collection" json:"collection" yaml:"collection"`

	// Heuristics configures the built-in heuristic rules.
	Heuristics HeuristicsConfig `toml:"heuristics" json:"heuristics" yaml:"heuristics"`

	// Signatures configures rule compilation and file scanning.
	Signatures SignaturesConfig `toml:"signatures" json:"signatures" yaml:"signatures"`

	// Policies configures Rego-defined heuristic rules.
	Policies PoliciesConfig `toml:"policies" json:"policies" yaml:"policies"`

	// Output configures where reports and alerts go.
	Output OutputConfig `toml:"output" json:"output" yaml:"output"`

	// Watch configures watch mode.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactPatterns are regular expressions for values to redact.
	RedactPatterns []string `toml:"redact_patterns" json:"redact_patterns" yaml:"redact_patterns"`

	// JournalPath enables the JSON-lines detection journal when set.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

// CollectionConfig controls the collectors.
type CollectionConfig struct {
	Processes   bool `toml:"processes" json:"processes" yaml:"processes"`
	Connections bool `toml:"connections" json:"connections" yaml:"connections"`
	Registry    bool `toml:"registry" json:"registry" yaml:"registry"`

	// Roots are the directories walked for files.
	Roots []string `toml:"roots" json:"roots" yaml:"roots"`

	// SkipDirs are directory names never descended into.
	SkipDirs []string `toml:"skip_dirs" json:"skip_dirs" yaml:"skip_dirs"`

	// MaxFileAgeHours flags files modified within this many hours.
	MaxFileAgeHours int `toml:"max_file_age_hours" json:"max_file_age_hours" yaml:"max_file_age_hours"`

	// MaxFiles caps the number of flagged files per run (0 = unlimited).
	MaxFiles int `toml:"max_files" json:"max_files" yaml:"max_files"`

	// HashExecutables hashes process images.
	HashExecutables bool `toml:"hash_executables" json:"hash_executables" yaml:"hash_executables"`

	// EntropyBytes bounds the prefix used for entropy (0 = whole file).
	EntropyBytes int64 `toml:"entropy_bytes" json:"entropy_bytes" yaml:"entropy_bytes"`

	// Workers bounds concurrent per-process lookups.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// HeuristicsConfig configures the built-in rules.
type HeuristicsConfig struct {
	// Disabled lists built-in rule names to turn off.
	Disabled []string `toml:"disabled" json:"disabled" yaml:"disabled"`

	// LOLBins replaces the default living-off-the-land binary list.
	LOLBins []string `toml:"lolbins" json:"lolbins" yaml:"lolbins"`

	// CPUThreshold is the exclusive CPU percentage for lolbin-high-cpu.
	CPUThreshold float64 `toml:"cpu_threshold" json:"cpu_threshold" yaml:"cpu_threshold"`

	// HashPrefix is the hash prefix flagged by hash-prefix.
	HashPrefix string `toml:"hash_prefix" json:"hash_prefix" yaml:"hash_prefix"`

	// SuspiciousPorts are remote ports flagged by suspicious-port.
	SuspiciousPorts []uint16 `toml:"suspicious_ports" json:"suspicious_ports" yaml:"suspicious_ports"`

	// Workers bounds parallel rule evaluation (0 = GOMAXPROCS).
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// SignaturesConfig configures the signature engine.
type SignaturesConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RulesDir holds the rule files.
	RulesDir string `toml:"rules_dir" json:"rules_dir" yaml:"rules_dir"`

	// Backend is "builtin" or "libyara".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Extensions are the recognized rule file extensions.
	Extensions []string `toml:"extensions" json:"extensions" yaml:"extensions"`

	// MaxScanBytes is the per-file read limit.
	MaxScanBytes int64 `toml:"max_scan_bytes" json:"max_scan_bytes" yaml:"max_scan_bytes"`

	// Oversize is "prefix" or "skip".
	Oversize string `toml:"oversize" json:"oversize" yaml:"oversize"`

	// FileTimeoutMs bounds the scan of a single file (0 = none).
	FileTimeoutMs int `toml:"file_timeout_ms" json:"file_timeout_ms" yaml:"file_timeout_ms"`

	// DeadlineMs bounds a whole scan run, collection included (0 = none).
	DeadlineMs int `toml:"deadline_ms" json:"deadline_ms" yaml:"deadline_ms"`

	// MaxMatchesPerString caps recorded matches per string.
	MaxMatchesPerString int `toml:"max_matches_per_string" json:"max_matches_per_string" yaml:"max_matches_per_string"`

	// Workers bounds concurrent file scans (0 = GOMAXPROCS).
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// PoliciesConfig configures Rego policy rules.
type PoliciesConfig struct {
	// Dir holds *.rego policy modules; empty disables policy rules.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// OutputConfig configures report destinations.
type OutputConfig struct {
	// ReportPath is the JSON report file; empty or "-" writes to stdout.
	ReportPath string `toml:"report_path" json:"report_path" yaml:"report_path"`

	// Pretty indents the JSON report.
	Pretty bool `toml:"pretty" json:"pretty" yaml:"pretty"`

	// Validate checks the report against the embedded JSON schema before
	// writing it.
	Validate bool `toml:"validate" json:"validate" yaml:"validate"`

	// SQLiteDir receives one report database per run when set.
	SQLiteDir string `toml:"sqlite_dir" json:"sqlite_dir" yaml:"sqlite_dir"`

	// Redis publishes alerts to a stream when Addr is set.
	Redis RedisConfig `toml:"redis" json:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr     string `toml:"addr" json:"addr" yaml:"addr"`
	Password string `toml:"password" json:"password" yaml:"password"`
	DB       int    `toml:"db" json:"db" yaml:"db"`
	Stream   string `toml:"stream" json:"stream" yaml:"stream"`
	// MaxLen trims the stream approximately to this length (0 = untrimmed).
	MaxLen int64 `toml:"max_len" json:"max_len" yaml:"max_len"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	// Paths are the directories watched; empty uses collection.roots.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// DebounceMs is how long a file must be quiet before it is analyzed.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// ExcludePatterns are glob patterns matched against base names.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics; empty disables the endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	Insecure    bool    `toml:"insecure" json:"insecure" yaml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `toml:"service_name" json:"service_name" yaml:"service_name"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "edrcore.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Collection: CollectionConfig{
			Processes:       true,
			Connections:     true,
			Registry:        true,
			Roots:           DefaultScanRoots(),
			SkipDirs:        DefaultSkipDirs(),
			MaxFileAgeHours: 24,
			MaxFiles:        50000,
			HashExecutables: true,
			EntropyBytes:    8 << 20,
			Workers:         8,
		},
		Heuristics: HeuristicsConfig{
			CPUThreshold:    10.0,
			HashPrefix:      "0000",
			SuspiciousPorts: []uint16{4444, 1337},
		},
		Signatures: SignaturesConfig{
			Enabled:             true,
			RulesDir:            filepath.Join(PlatformConfigDir(), "rules"),
			Backend:             "builtin",
			Extensions:          []string{".yar", ".yara"},
			MaxScanBytes:        64 << 20,
			Oversize:            "prefix",
			FileTimeoutMs:       30000,
			MaxMatchesPerString: 1000000,
		},
		Output: OutputConfig{
			ReportPath: "-",
			Redis:      RedisConfig{Stream: "edrcore:alerts"},
		},
		Watch: WatchConfig{
			DebounceMs:      500,
			ExcludePatterns: []string{"*.swp", "*.tmp", "*~"},
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			SampleRatio: 1.0,
			ServiceName: "edrcore",
		},
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies EDRCORE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(name); v != "" {
			*dst = filepath.SplitList(v)
		}
	}

	str("EDRCORE_LOG_LEVEL", &c.Logging.Level)
	str("EDRCORE_LOG_FORMAT", &c.Logging.Format)
	str("EDRCORE_LOG_PATH", &c.Logging.FilePath)
	str("EDRCORE_JOURNAL_PATH", &c.Logging.JournalPath)

	list("EDRCORE_SCAN_ROOTS", &c.Collection.Roots)

	str("EDRCORE_RULES_DIR", &c.Signatures.RulesDir)
	str("EDRCORE_SIGNATURE_BACKEND", &c.Signatures.Backend)
	str("EDRCORE_POLICY_DIR", &c.Policies.Dir)

	str("EDRCORE_REPORT_PATH", &c.Output.ReportPath)
	str("EDRCORE_SQLITE_DIR", &c.Output.SQLiteDir)
	str("EDRCORE_REDIS_ADDR", &c.Output.Redis.Addr)
	// Credentials from env, not files.
	str("EDRCORE_REDIS_PASSWORD", &c.Output.Redis.Password)

	str("EDRCORE_METRICS_LISTEN", &c.Metrics.Listen)
	if v := os.Getenv("EDRCORE_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("EDRCORE_CPU_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.Heuristics.CPUThreshold = f
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Logging.RedactPatterns = slices.Clone(c.Logging.RedactPatterns)
	out.Collection.Roots = slices.Clone(c.Collection.Roots)
	out.Collection.SkipDirs = slices.Clone(c.Collection.SkipDirs)
	out.Heuristics.Disabled = slices.Clone(c.Heuristics.Disabled)
	out.Heuristics.LOLBins = slices.Clone(c.Heuristics.LOLBins)
	out.Heuristics.SuspiciousPorts = slices.Clone(c.Heuristics.SuspiciousPorts)
	out.Signatures.Extensions = slices.Clone(c.Signatures.Extensions)
	out.Watch.Paths = slices.Clone(c.Watch.Paths)
	out.Watch.ExcludePatterns = slices.Clone(c.Watch.ExcludePatterns)
	return &out
}

// WatchPaths returns the watch paths, falling back to the scan roots.
func (c *Config) WatchPaths() []string {
	if len(c.Watch.Paths) > 0 {
		return c.Watch.Paths
	}
	return c.Collection.Roots
}
