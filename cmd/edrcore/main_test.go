package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edrcore/internal/config"
	"edrcore/internal/logging"
	"edrcore/internal/report"
	"edrcore/internal/signature"
)

func TestScanFlagsApply(t *testing.T) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	var f scanFlags
	f.register(fs)
	fs.StringVar(&f.output, "o", "", "")
	require.NoError(t, fs.Parse([]string{
		"-rules", "/opt/rules", "-policies", "/opt/policies",
		"-o", "out.json", "-root", "/a", "-root", "/b",
	}))

	base := config.DefaultConfig()
	base.Signatures.Enabled = false
	cfg, err := f.apply(base)
	require.NoError(t, err)

	assert.True(t, cfg.Signatures.Enabled)
	assert.Equal(t, "/opt/rules", cfg.Signatures.RulesDir)
	assert.Equal(t, "/opt/policies", cfg.Policies.Dir)
	assert.Equal(t, "out.json", cfg.Output.ReportPath)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Collection.Roots)

	assert.False(t, base.Signatures.Enabled)
	assert.Empty(t, base.Policies.Dir)
	assert.Equal(t, config.DefaultScanRoots(), base.Collection.Roots)
}

func TestScanFlagsNoSignatures(t *testing.T) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	var f scanFlags
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"-rules", "/opt/rules", "-no-signatures"}))

	cfg, err := f.apply(config.DefaultConfig())
	require.NoError(t, err)
	assert.False(t, cfg.Signatures.Enabled)
}

func TestScanFlagsTimeout(t *testing.T) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	var f scanFlags
	f.register(fs)
	fs.DurationVar(&f.timeout, "timeout", 0, "")
	require.NoError(t, fs.Parse([]string{"-timeout", "90s"}))

	cfg, err := f.apply(config.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 90000, cfg.Signatures.DeadlineMs)

	f.timeout = -time.Second
	_, err = f.apply(config.DefaultConfig())
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has("signatures.deadline_ms"))
}

func TestScanFlagsRevalidate(t *testing.T) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	var f scanFlags
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"-root", ""}))

	base := config.DefaultConfig()
	cfg, err := f.apply(base)
	require.Error(t, err)
	assert.Nil(t, cfg)
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has("collection.roots"))
	assert.NoError(t, base.Validate())
}

func TestLoggingConfig(t *testing.T) {
	lc, err := loggingConfig(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/edrcore.log",
		MaxSizeMB:  7,
		MaxBackups: 2,
		MaxAgeDays: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, int64(7), lc.MaxSize)
	assert.Equal(t, 2, lc.MaxBackups)
	assert.Equal(t, 3, lc.MaxAge)

	_, err = loggingConfig(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestCheckRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.yar"),
		[]byte(`rule A { strings: $a = "x" condition: $a }`), 0o600))

	n, err := checkRules(signature.BackendBuiltin, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yar"),
		[]byte(`rule B { condition: $missing }`), 0o600))
	_, err = checkRules(signature.BackendBuiltin, dir)
	var ce *signature.CompileError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Problems)
}

func TestBuildSinks(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Output.ReportPath = filepath.Join(dir, "report.json")
	cfg.Output.SQLiteDir = filepath.Join(dir, "db")

	sink, err := buildSinks(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer sink.Close()

	multi, ok := sink.(report.MultiSink)
	require.True(t, ok)
	require.Len(t, multi, 2)
	assert.IsType(t, &report.FileSink{}, multi[0])
	assert.IsType(t, &report.SQLiteSink{}, multi[1])

	r := report.Report{SchemaVersion: report.SchemaVersion, RunID: "11111111-2222-3333-4444-555555555555"}
	require.NoError(t, sink.Write(context.Background(), r))
	assert.FileExists(t, cfg.Output.ReportPath)
	assert.FileExists(t, multi[1].(*report.SQLiteSink).LastPath)
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions(config.RedisConfig{Addr: "localhost:6379", DB: 2, Stream: "s", MaxLen: 10})
	assert.Equal(t, report.RedisOptions{Addr: "localhost:6379", DB: 2, Stream: "s", MaxLen: 10}, opts)
}

func TestOutputDir(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, ".", outputDir(cfg))

	cfg.Output.ReportPath = "/var/lib/edrcore/report.json"
	assert.Equal(t, "/var/lib/edrcore", outputDir(cfg))

	cfg.Output.SQLiteDir = "/var/lib/edrcore/db"
	assert.Equal(t, "/var/lib/edrcore/db", outputDir(cfg))
}
