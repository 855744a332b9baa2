package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"edrcore/internal/alert"
)

// Schema for a per-run report database.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    host        TEXT NOT NULL,
    started_ns  INTEGER NOT NULL,
    finished_ns INTEGER NOT NULL,
    processes   INTEGER NOT NULL,
    files       INTEGER NOT NULL,
    connections INTEGER NOT NULL,
    registry    INTEGER NOT NULL,
    scanned     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    run_id      TEXT NOT NULL REFERENCES runs(run_id),
    ordinal     INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    subject     TEXT NOT NULL,
    reason      TEXT NOT NULL,
    source      TEXT NOT NULL,
    rule_name   TEXT,
    tags        TEXT,
    metadata    TEXT,
    PRIMARY KEY (run_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts(subject);

CREATE TABLE IF NOT EXISTS diagnostics (
    run_id      TEXT NOT NULL REFERENCES runs(run_id),
    ordinal     INTEGER NOT NULL,
    stage       TEXT NOT NULL,
    subject     TEXT,
    rule        TEXT,
    message     TEXT NOT NULL,
    PRIMARY KEY (run_id, ordinal)
);
`

// SQLiteSink writes each report into a new database file under Dir. Reports
// are never accumulated across runs.
type SQLiteSink struct {
	Dir string

	// LastPath is the database written by the most recent Write.
	LastPath string
}

// NewSQLiteSink returns a sink writing under dir.
func NewSQLiteSink(dir string) (*SQLiteSink, error) {
	if err := os.MkdirAll(dir, PermReportDir); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &SQLiteSink{Dir: dir}, nil
}

// DatabasePath returns the file name used for r.
func (s *SQLiteSink) DatabasePath(r Report) string {
	id := r.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(s.Dir, fmt.Sprintf("edrcore-%s-%s.db", r.Started.UTC().Format("20060102-150405"), id))
}

// Write creates the run database and stores r in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, r Report) error {
	path := s.DatabasePath(r)
	db, err := openReportDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := insertReport(ctx, db, r); err != nil {
		return err
	}
	s.LastPath = path
	return nil
}

// Close is a no-op; databases are closed after each write.
func (s *SQLiteSink) Close() error { return nil }

func openReportDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func insertReport(ctx context.Context, db *sql.DB, r Report) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, host, started_ns, finished_ns, processes, files, connections, registry, scanned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Host, r.Started.UnixNano(), r.Finished.UnixNano(),
		r.Counts.Processes, r.Counts.Files, r.Counts.Connections, r.Counts.Registry, r.Counts.Scanned,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	alertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alerts (run_id, ordinal, kind, subject, reason, source, rule_name, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare alert statement: %w", err)
	}
	defer alertStmt.Close()

	for i, a := range r.Alerts {
		tags, err := jsonOrNull(a.Tags)
		if err != nil {
			return err
		}
		meta, err := jsonOrNull(a.Metadata)
		if err != nil {
			return err
		}
		if _, err := alertStmt.ExecContext(ctx, r.RunID, i, string(a.Kind), a.Subject, a.Reason,
			string(a.Source), nullString(a.RuleName), tags, meta); err != nil {
			return fmt.Errorf("insert alert %d: %w", i, err)
		}
	}

	diagStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO diagnostics (run_id, ordinal, stage, subject, rule, message)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare diagnostic statement: %w", err)
	}
	defer diagStmt.Close()

	for i, d := range r.Diagnostics {
		if _, err := diagStmt.ExecContext(ctx, r.RunID, i, string(d.Stage),
			nullString(d.Subject), nullString(d.Rule), d.Message); err != nil {
			return fmt.Errorf("insert diagnostic %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadSQLite loads the report stored in a run database.
func ReadSQLite(ctx context.Context, path string) (Report, error) {
	var r Report
	if _, err := os.Stat(path); err != nil {
		return r, err
	}
	db, err := openReportDB(path)
	if err != nil {
		return r, err
	}
	defer db.Close()

	var started, finished int64
	err = db.QueryRowContext(ctx, `
		SELECT run_id, host, started_ns, finished_ns, processes, files, connections, registry, scanned
		FROM runs LIMIT 1`).Scan(&r.RunID, &r.Host, &started, &finished,
		&r.Counts.Processes, &r.Counts.Files, &r.Counts.Connections, &r.Counts.Registry, &r.Counts.Scanned)
	if err != nil {
		return r, fmt.Errorf("query run: %w", err)
	}
	r.SchemaVersion = SchemaVersion
	r.Started = time.Unix(0, started)
	r.Finished = time.Unix(0, finished)

	rows, err := db.QueryContext(ctx, `
		SELECT kind, subject, reason, source, rule_name, tags, metadata
		FROM alerts WHERE run_id = ? ORDER BY ordinal`, r.RunID)
	if err != nil {
		return r, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	r.Alerts = []alert.Alert{}
	for rows.Next() {
		var a alert.Alert
		var kind, source string
		var rule, tags, meta sql.NullString
		if err := rows.Scan(&kind, &a.Subject, &a.Reason, &source, &rule, &tags, &meta); err != nil {
			return r, fmt.Errorf("scan alert: %w", err)
		}
		a.Kind = alert.Kind(kind)
		a.Source = alert.Source(source)
		a.RuleName = rule.String
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &a.Tags); err != nil {
				return r, fmt.Errorf("decode tags: %w", err)
			}
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return r, fmt.Errorf("decode metadata: %w", err)
			}
		}
		r.Alerts = append(r.Alerts, a)
	}
	if err := rows.Err(); err != nil {
		return r, err
	}

	drows, err := db.QueryContext(ctx, `
		SELECT stage, subject, rule, message FROM diagnostics WHERE run_id = ? ORDER BY ordinal`, r.RunID)
	if err != nil {
		return r, fmt.Errorf("query diagnostics: %w", err)
	}
	defer drows.Close()
	r.Diagnostics = []alert.Diagnostic{}
	for drows.Next() {
		var d alert.Diagnostic
		var stage string
		var subject, rule sql.NullString
		if err := drows.Scan(&stage, &subject, &rule, &d.Message); err != nil {
			return r, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Stage = alert.Stage(stage)
		d.Subject = subject.String
		d.Rule = rule.String
		r.Diagnostics = append(r.Diagnostics, d)
	}
	return r, drows.Err()
}

func jsonOrNull[T any](v []T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
