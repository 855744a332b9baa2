package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if !cfg.Signatures.Enabled || cfg.Signatures.Backend != "builtin" {
		t.Errorf("expected builtin signatures enabled, got %+v", cfg.Signatures)
	}
	if cfg.Output.ReportPath != "-" {
		t.Errorf("expected report to stdout, got %q", cfg.Output.ReportPath)
	}
	if cfg.Watch.DebounceMs != 500 {
		t.Errorf("expected debounce 500, got %d", cfg.Watch.DebounceMs)
	}
	if len(cfg.Collection.Roots) == 0 {
		t.Error("expected default scan roots")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Heuristics.CPUThreshold != 10.0 {
		t.Errorf("expected default cpu threshold, got %v", cfg.Heuristics.CPUThreshold)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[collection]
roots = ["/srv/a", "/srv/b"]
registry = false

[heuristics]
cpu_threshold = 25.5
suspicious_ports = [31337]

[signatures]
enabled = true
rules_dir = "/opt/rules"
oversize = "skip"
`
	writeFile(t, path, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Collection.Roots) != 2 || cfg.Collection.Roots[1] != "/srv/b" {
		t.Errorf("unexpected roots %v", cfg.Collection.Roots)
	}
	if cfg.Collection.Registry {
		t.Error("registry collection should be disabled")
	}
	if !cfg.Collection.Processes {
		t.Error("unset fields should keep their defaults")
	}
	if cfg.Heuristics.CPUThreshold != 25.5 {
		t.Errorf("expected cpu threshold 25.5, got %v", cfg.Heuristics.CPUThreshold)
	}
	if len(cfg.Heuristics.SuspiciousPorts) != 1 || cfg.Heuristics.SuspiciousPorts[0] != 31337 {
		t.Errorf("unexpected ports %v", cfg.Heuristics.SuspiciousPorts)
	}
	if cfg.Signatures.RulesDir != "/opt/rules" || cfg.Signatures.Oversize != "skip" {
		t.Errorf("unexpected signatures %+v", cfg.Signatures)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"version": 1, "output": {"report_path": "/tmp/r.json", "pretty": true}}`)
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Output.ReportPath != "/tmp/r.json" || !cfg.Output.Pretty {
		t.Errorf("unexpected output %+v", cfg.Output)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "version: 1\nwatch:\n  debounce_ms: 1200\n  paths: [/data]\n")
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Watch.DebounceMs != 1200 {
		t.Errorf("expected debounce 1200, got %d", cfg.Watch.DebounceMs)
	}
	if got := cfg.WatchPaths(); len(got) != 1 || got[0] != "/data" {
		t.Errorf("unexpected watch paths %v", got)
	}
}

func TestLoadUnknownFields(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"version": 1, "bogus": true}`)
	if _, err := Load(jsonPath); err == nil {
		t.Error("expected error for unknown JSON field")
	}

	yamlPath := filepath.Join(dir, "config.yml")
	writeFile(t, yamlPath, "version: 1\nbogus: true\n")
	if _, err := Load(yamlPath); err == nil {
		t.Error("expected error for unknown YAML field")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "this is not valid toml {{{")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "version = 1\n[signatures]\nenabled = true\nbackend = \"hyperscan\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || !verrs.Has("signatures.backend") {
		t.Errorf("expected signatures.backend error, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 99 }, "version"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"oversize", func(c *Config) { c.Signatures.Oversize = "truncate" }, "signatures.oversize"},
		{"rules dir", func(c *Config) { c.Signatures.RulesDir = "" }, "signatures.rules_dir"},
		{"extension", func(c *Config) { c.Signatures.Extensions = []string{"yar"} }, "signatures.extensions"},
		{"deadline", func(c *Config) { c.Signatures.DeadlineMs = -1 }, "signatures.deadline_ms"},
		{"deadline without signatures", func(c *Config) { c.Signatures.Enabled = false; c.Signatures.DeadlineMs = -5 }, "signatures.deadline_ms"},
		{"disabled rule", func(c *Config) { c.Heuristics.Disabled = []string{"nope"} }, "heuristics.disabled"},
		{"hash prefix", func(c *Config) { c.Heuristics.HashPrefix = "zz" }, "heuristics.hash_prefix"},
		{"port", func(c *Config) { c.Heuristics.SuspiciousPorts = []uint16{0} }, "heuristics.suspicious_ports"},
		{"redis addr", func(c *Config) { c.Output.Redis.Addr = "no-port" }, "output.redis.addr"},
		{"metrics", func(c *Config) { c.Metrics.Listen = "9090" }, "metrics.listen"},
		{"sample ratio", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
		{"debounce", func(c *Config) { c.Watch.DebounceMs = -1 }, "watch.debounce_ms"},
		{"exclude", func(c *Config) { c.Watch.ExcludePatterns = []string{"[a"} }, "watch.exclude_patterns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidateDisabledSignaturesSkipsChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signatures.Enabled = false
	cfg.Signatures.RulesDir = ""
	cfg.Signatures.Backend = "anything"
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("disabled signatures should not be validated: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("EDRCORE_LOG_LEVEL", "debug")
	t.Setenv("EDRCORE_SCAN_ROOTS", strings.Join([]string{"/x", "/y"}, string(os.PathListSeparator)))
	t.Setenv("EDRCORE_RULES_DIR", "/env/rules")
	t.Setenv("EDRCORE_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("EDRCORE_CPU_THRESHOLD", " 42 ")
	t.Setenv("EDRCORE_REDIS_PASSWORD", "hunter2")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
	if len(cfg.Collection.Roots) != 2 || cfg.Collection.Roots[0] != "/x" {
		t.Errorf("unexpected roots %v", cfg.Collection.Roots)
	}
	if cfg.Signatures.RulesDir != "/env/rules" {
		t.Errorf("unexpected rules dir %s", cfg.Signatures.RulesDir)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4318" {
		t.Errorf("OTLP endpoint should enable tracing: %+v", cfg.Tracing)
	}
	if cfg.Heuristics.CPUThreshold != 42 {
		t.Errorf("expected threshold 42, got %v", cfg.Heuristics.CPUThreshold)
	}
	if cfg.Output.Redis.Password != "hunter2" {
		t.Error("redis password not applied")
	}
}

func TestApplyEnvOverridesIgnoresBadNumber(t *testing.T) {
	t.Setenv("EDRCORE_CPU_THRESHOLD", "lots")
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Heuristics.CPUThreshold != 10.0 {
		t.Errorf("bad number should be ignored, got %v", cfg.Heuristics.CPUThreshold)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{"toml", "json", "yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", "config."+ext)
			cfg := DefaultConfig()
			cfg.Collection.Roots = []string{"/a"}
			cfg.Heuristics.Disabled = []string{"hash-prefix"}
			cfg.Output.Redis.Addr = "localhost:6379"

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(loaded.Collection.Roots) != 1 || loaded.Collection.Roots[0] != "/a" {
				t.Errorf("roots not preserved: %v", loaded.Collection.Roots)
			}
			if len(loaded.Heuristics.Disabled) != 1 {
				t.Errorf("disabled not preserved: %v", loaded.Heuristics.Disabled)
			}
			if loaded.Output.Redis.Addr != "localhost:6379" {
				t.Errorf("redis addr not preserved: %q", loaded.Output.Redis.Addr)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created || cfg == nil {
		t.Fatal("expected config to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Collection.Roots[0] = "/changed"
	clone.Heuristics.SuspiciousPorts[0] = 1

	if cfg.Collection.Roots[0] == "/changed" {
		t.Error("clone shares roots with the original")
	}
	if cfg.Heuristics.SuspiciousPorts[0] == 1 {
		t.Error("clone shares ports with the original")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
