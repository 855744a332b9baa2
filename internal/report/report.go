// Package report exports analysis results: the JSON report file, its
// schema contract, and optional SQLite and Redis sinks.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"edrcore/internal/alert"
)

// SchemaVersion is written into every report.
const SchemaVersion = 1

// Report is the result of one analysis run.
type Report struct {
	SchemaVersion int                `json:"schema_version"`
	RunID         string             `json:"run_id"`
	Host          string             `json:"host"`
	Started       time.Time          `json:"started"`
	Finished      time.Time          `json:"finished"`
	Counts        Counts             `json:"counts"`
	Alerts        []alert.Alert      `json:"alerts"`
	Diagnostics   []alert.Diagnostic `json:"diagnostics"`
}

// Counts summarizes the records that were analyzed.
type Counts struct {
	Processes   int `json:"processes"`
	Files       int `json:"files"`
	Connections int `json:"connections"`
	Registry    int `json:"registry"`
	Scanned     int `json:"scanned"`
}

// Sink receives finished reports.
type Sink interface {
	Write(ctx context.Context, r Report) error
	Close() error
}

// normalized returns r with nil slices replaced so they encode as [].
func normalized(r Report) Report {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = SchemaVersion
	}
	if r.Alerts == nil {
		r.Alerts = []alert.Alert{}
	}
	if r.Diagnostics == nil {
		r.Diagnostics = []alert.Diagnostic{}
	}
	return r
}

// WriteJSON encodes r to w.
func WriteJSON(w io.Writer, r Report, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(normalized(r)); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteAlerts encodes alerts to w as a JSON array, the bare alert stream
// without run metadata.
func WriteAlerts(w io.Writer, alerts []alert.Alert, pretty bool) error {
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(alerts); err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}
	return nil
}

// FileSink writes the JSON report to a path, or to stdout when the path is
// empty or "-".
type FileSink struct {
	Path     string
	Pretty   bool
	Validate bool

	// Stdout is used for "-"; nil means os.Stdout.
	Stdout io.Writer
}

// Write validates r if configured and writes it atomically.
func (s *FileSink) Write(_ context.Context, r Report) error {
	r = normalized(r)
	if s.Validate {
		if err := Validate(r); err != nil {
			return err
		}
	}
	if s.Path == "" || s.Path == "-" {
		out := s.Stdout
		if out == nil {
			out = os.Stdout
		}
		return WriteJSON(out, r, s.Pretty)
	}

	w, err := NewAtomicWriter(s.Path, PermReportFile)
	if err != nil {
		return err
	}
	if err := WriteJSON(w, r, s.Pretty); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// Close is a no-op.
func (s *FileSink) Close() error { return nil }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

// Write writes r to each sink in order. A failing sink does not stop the
// others.
func (m MultiSink) Write(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
