package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"edrcore/internal/alert"
)

// JournalEventType identifies a detection journal entry.
type JournalEventType string

// Journal event types.
const (
	JournalRunStart    JournalEventType = "run_start"
	JournalRunEnd      JournalEventType = "run_end"
	JournalRulesLoaded JournalEventType = "rules_loaded"
	JournalAlert       JournalEventType = "alert"
	JournalDiagnostic  JournalEventType = "diagnostic"
)

// JournalEvent is one line of the detection journal.
type JournalEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      JournalEventType `json:"type"`
	Host      string           `json:"host,omitempty"`
	RunID     string           `json:"run_id,omitempty"`

	Kind     alert.Kind   `json:"kind,omitempty"`
	Source   alert.Source `json:"source,omitempty"`
	Stage    alert.Stage  `json:"stage,omitempty"`
	Subject  string       `json:"subject,omitempty"`
	RuleName string       `json:"rule_name,omitempty"`
	Message  string       `json:"message,omitempty"`
	Tags     []string     `json:"tags,omitempty"`

	Counts map[string]int `json:"counts,omitempty"`
}

// JournalConfig configures the detection journal.
type JournalConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Host       string
}

// DefaultJournalConfig returns a journal config under the default log
// directory.
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		FilePath:   DefaultLogPath("detections.jsonl"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	}
}

// Journal is an append-only JSON-lines record of analysis runs: one line
// per alert and diagnostic, bracketed by run start and end entries. It is
// the local trail an operator reads after the report file is gone.
type Journal struct {
	config  *JournalConfig
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// OpenJournal opens (or creates) the journal file.
func OpenJournal(cfg *JournalConfig) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultJournalConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{config: cfg, rotator: rotator, now: time.Now}, nil
}

// Record appends one event. Missing timestamp, host and run ID are filled
// in from the journal config and ctx.
func (j *Journal) Record(ctx context.Context, ev JournalEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now().UTC()
	}
	if ev.Host == "" {
		ev.Host = j.config.Host
	}
	if ev.RunID == "" {
		ev.RunID = RunIDFromContext(ctx)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.rotator.Write(data); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	return nil
}

// RunStarted records the start of an analysis run.
func (j *Journal) RunStarted(ctx context.Context, records int) error {
	return j.Record(ctx, JournalEvent{Type: JournalRunStart, Counts: map[string]int{"records": records}})
}

// RunFinished records the end of a run with its alert and diagnostic counts.
func (j *Journal) RunFinished(ctx context.Context, alerts, diagnostics int) error {
	return j.Record(ctx, JournalEvent{
		Type:   JournalRunEnd,
		Counts: map[string]int{"alerts": alerts, "diagnostics": diagnostics},
	})
}

// RulesLoaded records how many rules of each family are active.
func (j *Journal) RulesLoaded(ctx context.Context, counts map[string]int) error {
	return j.Record(ctx, JournalEvent{Type: JournalRulesLoaded, Counts: counts})
}

// Alert records one alert.
func (j *Journal) Alert(ctx context.Context, a alert.Alert) error {
	return j.Record(ctx, JournalEvent{
		Type:     JournalAlert,
		Kind:     a.Kind,
		Source:   a.Source,
		Subject:  a.Subject,
		RuleName: a.RuleName,
		Message:  a.Reason,
		Tags:     a.Tags,
	})
}

// Diagnostic records one diagnostic.
func (j *Journal) Diagnostic(ctx context.Context, d alert.Diagnostic) error {
	return j.Record(ctx, JournalEvent{
		Type:     JournalDiagnostic,
		Stage:    d.Stage,
		Subject:  d.Subject,
		RuleName: d.Rule,
		Message:  d.Message,
	})
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.rotator.Sync(); err != nil {
		return err
	}
	return j.rotator.Close()
}
