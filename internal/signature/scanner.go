package signature

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"edrcore/internal/alert"
)

// Backend matches one buffer against a compiled rule set. filesize is the
// size of the file the buffer was read from, which exceeds len(data) when
// only a prefix is scanned.
type Backend interface {
	ScanBytes(ctx context.Context, data []byte, filesize int64) ([]Match, error)
	RuleCount() int
}

// OversizePolicy decides what happens to files larger than MaxScanBytes.
type OversizePolicy string

const (
	// OversizePrefix scans the first MaxScanBytes bytes.
	OversizePrefix OversizePolicy = "prefix"
	// OversizeSkip skips the file.
	OversizeSkip OversizePolicy = "skip"
)

// DefaultMaxScanBytes is the default per-file read limit.
const DefaultMaxScanBytes = 64 << 20

// ScanError is a per-file failure that did not come from the file being
// unreadable: a timeout, a cancelled run, or a session that could not be
// cleaned.
type ScanError struct {
	Path string
	Op   string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// FileResult is the outcome of scanning one file.
type FileResult struct {
	Path       string
	Matches    []Match
	Skipped    bool
	SkipReason string
	Truncated  bool
	Err        error
}

// SignatureMatches converts the result into aggregator input.
func (r FileResult) SignatureMatches() []alert.SignatureMatch {
	out := make([]alert.SignatureMatch, 0, len(r.Matches))
	for _, m := range r.Matches {
		out = append(out, alert.SignatureMatch{
			Path:      r.Path,
			Rule:      m.Rule,
			Namespace: m.Namespace,
			Tags:      m.Tags,
			Metadata:  m.Metadata,
		})
	}
	return out
}

// Diagnostic describes a skipped or failed file, or returns false when the
// file was scanned normally.
func (r FileResult) Diagnostic() (alert.Diagnostic, bool) {
	switch {
	case r.Err != nil:
		return alert.Diagnostic{Stage: alert.StageSignature, Subject: r.Path, Message: r.Err.Error()}, true
	case r.Skipped:
		return alert.Diagnostic{Stage: alert.StageSignature, Subject: r.Path, Message: "skipped: " + r.SkipReason}, true
	}
	return alert.Diagnostic{}, false
}

// Scanner scans files with a bounded worker pool.
type Scanner struct {
	Backend      Backend
	Workers      int
	MaxScanBytes int64
	Oversize     OversizePolicy
	FileTimeout  time.Duration

	// Filesystem hooks; nil means os.Stat and a limited read.
	statFile func(string) (os.FileInfo, error)
	readFile func(path string, limit int64) ([]byte, error)
}

// NewScanner returns a scanner with default limits over rs.
func NewScanner(rs *Ruleset) *Scanner {
	workers := runtime.GOMAXPROCS(0)
	return &Scanner{
		Backend:      NewSessionPool(rs, workers),
		Workers:      workers,
		MaxScanBytes: DefaultMaxScanBytes,
		Oversize:     OversizePrefix,
	}
}

// ScanFiles scans paths concurrently. Results are in input order.
// Cancelling ctx stops the remaining files, which report the context error.
func (s *Scanner) ScanFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, len(paths))
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			results[i] = s.ScanFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ScanFile scans one file. Files that cannot be opened or read are marked
// skipped; timeouts and session failures are reported in Err. FileTimeout
// bounds the whole file: stat, read and match.
func (s *Scanner) ScanFile(ctx context.Context, path string) FileResult {
	res := FileResult{Path: path, Matches: []Match{}}
	if err := ctx.Err(); err != nil {
		res.Err = &ScanError{Path: path, Op: "scan", Err: err}
		return res
	}
	if s.Backend == nil || s.Backend.RuleCount() == 0 {
		return res
	}

	fctx := ctx
	if s.FileTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.FileTimeout)
		defer cancel()
	}

	limit := s.MaxScanBytes
	if limit <= 0 {
		limit = DefaultMaxScanBytes
	}

	// The read runs on its own goroutine so a stalled filesystem cannot
	// hold the worker past the deadline. An abandoned read finishes into
	// the buffered channel and is dropped.
	done := make(chan loaded, 1)
	go func() {
		done <- s.load(path, limit)
	}()
	var l loaded
	select {
	case l = <-done:
	case <-fctx.Done():
		res.Err = &ScanError{Path: path, Op: "read", Err: fctx.Err()}
		return res
	}
	if l.skip != "" {
		return skipped(res, l.skip)
	}
	res.Truncated = l.truncated

	matches, err := s.Backend.ScanBytes(fctx, l.data, max(l.size, int64(len(l.data))))
	if err != nil {
		res.Err = &ScanError{Path: path, Op: "scan", Err: err}
		return res
	}
	res.Matches = matches
	return res
}

type loaded struct {
	data      []byte
	size      int64
	truncated bool
	skip      string
}

func (s *Scanner) load(path string, limit int64) loaded {
	stat, read := os.Stat, readPrefix
	if s.statFile != nil {
		stat = s.statFile
	}
	if s.readFile != nil {
		read = s.readFile
	}

	info, err := stat(path)
	if err != nil {
		return loaded{skip: skipReason(err)}
	}
	if !info.Mode().IsRegular() {
		return loaded{skip: "not a regular file"}
	}
	l := loaded{size: info.Size()}
	if l.size > limit {
		if s.Oversize == OversizeSkip {
			return loaded{skip: fmt.Sprintf("size %d exceeds limit %d", l.size, limit)}
		}
		l.truncated = true
	}
	l.data, err = read(path, limit)
	if err != nil {
		return loaded{skip: skipReason(err)}
	}
	return l
}

func skipped(res FileResult, reason string) FileResult {
	res.Skipped = true
	res.SkipReason = reason
	return res
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "file vanished"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	}
	return err.Error()
}

func readPrefix(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}
