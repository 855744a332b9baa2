package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edrcore/internal/alert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(lvl))
		if err != nil || parsed != lvl {
			t.Errorf("round trip of %v gave %v, %v", lvl, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "edrcore" {
		t.Errorf("expected component edrcore, got %s", cfg.Component)
	}
	if !strings.Contains(cfg.FilePath, "edrcore") {
		t.Errorf("default log path %q is outside the edrcore directory", cfg.FilePath)
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad json line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	l, err := NewWithWriter(&buf, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := ContextWithRunID(context.Background(), "run-1")
	l.WithContext(ctx).WithComponent("pipeline").Info("run finished", "alerts", 3)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line["run_id"] != "run-1" {
		t.Errorf("run_id = %v", line["run_id"])
	}
	if line["component"] != "pipeline" {
		t.Errorf("component = %v", line["component"])
	}
	if line["alerts"] != float64(3) {
		t.Errorf("alerts = %v", line["alerts"])
	}
}

func TestRunIDContext(t *testing.T) {
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty run id, got %q", got)
	}
	//nolint:staticcheck // nil context is part of the contract
	if got := RunIDFromContext(nil); got != "" {
		t.Errorf("expected empty run id from nil context, got %q", got)
	}
	ctx := ContextWithRunID(context.Background(), "abc")
	if got := RunIDFromContext(ctx); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.RedactPatterns = []string{`^AKIA[0-9A-Z]{4}`}
	l, err := NewWithWriter(&buf, cfg)
	if err != nil {
		t.Fatal(err)
	}

	l.Info("sink", "redis_password", "hunter2", "value", "AKIAABCD1234", "path", "/tmp/x")
	line := decodeLines(t, &buf)[0]
	if line["redis_password"] != "[REDACTED]" {
		t.Errorf("password not redacted: %v", line["redis_password"])
	}
	if line["value"] != "[REDACTED]" {
		t.Errorf("pattern not redacted: %v", line["value"])
	}
	if line["path"] != "/tmp/x" {
		t.Errorf("path changed: %v", line["path"])
	}

	cfg.RedactPatterns = []string{"("}
	if _, err := NewWithWriter(&buf, cfg); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	l, err := NewWithWriter(&buf, cfg)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "edrcore.log")

	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("written to file")
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edrcore.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Write([]byte("day one\n")); err != nil {
		t.Fatal(err)
	}

	tomorrow := time.Now().Add(24 * time.Hour)
	r.mu.Lock()
	r.now = func() time.Time { return tomorrow }
	r.mu.Unlock()

	if _, err := r.Write([]byte("day two\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %v", backups)
	}
	old, _ := os.ReadFile(backups[0])
	cur, _ := os.ReadFile(path)
	if string(old) != "day one\n" || string(cur) != "day two\n" {
		t.Errorf("unexpected contents: backup %q current %q", old, cur)
	}
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.jsonl")
	j, err := OpenJournal(&JournalConfig{FilePath: path, MaxSize: 10, Host: "host-a"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := ContextWithRunID(context.Background(), "run-9")
	steps := []error{
		j.RunStarted(ctx, 4),
		j.Alert(ctx, alert.File("/tmp/x.exe", "hidden-executable", "hidden executable file")),
		j.Diagnostic(ctx, alert.Diagnostic{Stage: alert.StageSignature, Subject: "/tmp/y", Message: "skipped: file vanished"}),
		j.RunFinished(ctx, 1, 1),
		j.Close(),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []JournalEvent
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev JournalEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}

	wantTypes := []JournalEventType{JournalRunStart, JournalAlert, JournalDiagnostic, JournalRunEnd}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, wantTypes[i])
		}
		if ev.RunID != "run-9" || ev.Host != "host-a" {
			t.Errorf("event %d missing run id or host: %+v", i, ev)
		}
	}
	if events[1].RuleName != "hidden-executable" || events[1].Kind != alert.KindFile {
		t.Errorf("alert event = %+v", events[1])
	}
	if events[3].Counts["alerts"] != 1 {
		t.Errorf("run end counts = %v", events[3].Counts)
	}
}
