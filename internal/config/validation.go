package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs full validation of the configuration and returns
// ValidationErrors listing every problem, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	validateLogging(&c.Logging, add)
	validateCollection(&c.Collection, add)
	validateHeuristics(&c.Heuristics, add)
	validateSignatures(&c.Signatures, add)
	validateOutput(&c.Output, add)
	validateWatch(&c.Watch, add)

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen", "invalid address %q: %v", c.Metrics.Listen, err)
		}
	}
	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint", "required when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			add("tracing.sample_ratio", "must be between 0 and 1, got %v", c.Tracing.SampleRatio)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

type addFunc func(field, format string, args ...any)

func validateLogging(l *LoggingConfig, add addFunc) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		add("logging.format", "must be text or json, got %q", l.Format)
	}
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			add("logging.file_path", "required when output is %q", l.Output)
		}
	default:
		add("logging.output", "must be stdout, stderr, file or both, got %q", l.Output)
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		add("logging", "rotation limits must not be negative")
	}
}

func validateCollection(c *CollectionConfig, add addFunc) {
	if c.MaxFileAgeHours < 0 {
		add("collection.max_file_age_hours", "must not be negative")
	}
	if c.MaxFiles < 0 {
		add("collection.max_files", "must not be negative")
	}
	if c.EntropyBytes < 0 {
		add("collection.entropy_bytes", "must not be negative")
	}
	for _, r := range c.Roots {
		if r == "" {
			add("collection.roots", "contains an empty path")
		}
	}
}

func validateHeuristics(h *HeuristicsConfig, add addFunc) {
	known := map[string]bool{
		"lolbin-high-cpu": true, "svchost-non-system": true, "hash-prefix": true,
		"hidden-executable": true, "suspicious-port": true, "autorun-temp": true,
	}
	for _, name := range h.Disabled {
		if !known[name] {
			add("heuristics.disabled", "unknown rule %q", name)
		}
	}
	if h.CPUThreshold < 0 || h.CPUThreshold > 100*1024 {
		add("heuristics.cpu_threshold", "out of range: %v", h.CPUThreshold)
	}
	for _, p := range h.SuspiciousPorts {
		if p == 0 {
			add("heuristics.suspicious_ports", "port 0 is not a remote port")
		}
	}
	if strings.Trim(strings.ToLower(h.HashPrefix), "0123456789abcdef") != "" {
		add("heuristics.hash_prefix", "must be hexadecimal, got %q", h.HashPrefix)
	}
}

func validateSignatures(s *SignaturesConfig, add addFunc) {
	if s.DeadlineMs < 0 {
		add("signatures.deadline_ms", "must not be negative")
	}
	if !s.Enabled {
		return
	}
	switch s.Backend {
	case "", "builtin", "libyara":
	default:
		add("signatures.backend", "must be builtin or libyara, got %q", s.Backend)
	}
	switch s.Oversize {
	case "", "prefix", "skip":
	default:
		add("signatures.oversize", "must be prefix or skip, got %q", s.Oversize)
	}
	if s.RulesDir == "" {
		add("signatures.rules_dir", "required when signatures are enabled")
	}
	if s.MaxScanBytes < 0 {
		add("signatures.max_scan_bytes", "must not be negative")
	}
	if s.FileTimeoutMs < 0 {
		add("signatures.file_timeout_ms", "must not be negative")
	}
	for _, ext := range s.Extensions {
		if !strings.HasPrefix(ext, ".") {
			add("signatures.extensions", "extension %q must start with a dot", ext)
		}
	}
}

func validateOutput(o *OutputConfig, add addFunc) {
	if o.Redis.Addr != "" {
		if _, _, err := net.SplitHostPort(o.Redis.Addr); err != nil {
			add("output.redis.addr", "invalid address %q: %v", o.Redis.Addr, err)
		}
		if o.Redis.Stream == "" {
			add("output.redis.stream", "required when redis is enabled")
		}
	}
	if o.Redis.MaxLen < 0 {
		add("output.redis.max_len", "must not be negative")
	}
}

func validateWatch(w *WatchConfig, add addFunc) {
	if w.DebounceMs < 0 {
		add("watch.debounce_ms", "must not be negative")
	}
	for _, p := range w.ExcludePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			add("watch.exclude_patterns", "invalid pattern %q", p)
		}
	}
}
