package report

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File permission constants
const (
	// PermReportFile is the permission for report files.
	PermReportFile os.FileMode = 0o640

	// PermReportDir is the permission for report directories.
	PermReportDir os.FileMode = 0o750
)

var (
	ErrAtomicWriteFailed = errors.New("report: atomic write failed")
	ErrTempFileFailed    = errors.New("report: temporary file creation failed")
)

// AtomicWriter writes to a temporary file in the destination directory and
// renames it into place on Commit, so readers never see a partial report.
type AtomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicWriter creates the parent directory if needed and opens the
// temporary file.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), PermReportDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}
	return &AtomicWriter{path: cleanPath, tempFile: tempFile, tempPath: tempPath}, nil
}

// Write writes data to the temporary file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and moves it to the final path.
func (w *AtomicWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort removes the temporary file.
func (w *AtomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
