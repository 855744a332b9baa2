package collect

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"edrcore/internal/telemetry"
)

// FileOptions controls the filesystem walk.
type FileOptions struct {
	// MaxAge keeps files modified within this window. Zero disables the
	// recency criterion.
	MaxAge time.Duration
	// Attributes answers hidden/executable; nil uses the platform default.
	Attributes telemetry.FileAttributeResolver
	// EntropyBytes bounds the prefix used for entropy (0 reads the whole file).
	EntropyBytes int64
	// MaxFiles stops the walk after this many flagged files (0 means no limit).
	MaxFiles int
	// SkipDirs are directory base names that are not descended into.
	SkipDirs []string

	now func() time.Time
}

// Files walks roots and returns the files that are recently modified,
// hidden, or executable, each with its hash and entropy when readable.
// Unreadable entries are skipped. The returned error is ctx's error when
// the walk was cut short by cancellation.
func Files(ctx context.Context, roots []string, opts FileOptions) ([]telemetry.File, error) {
	attrs := opts.Attributes
	if attrs == nil {
		attrs = telemetry.DefaultFileAttributes()
	}
	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	var cutoff time.Time
	if opts.MaxAge > 0 {
		cutoff = now().Add(-opts.MaxAge)
	}

	var out []telemetry.File
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && slices.Contains(opts.SkipDirs, d.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}

			rec, ok := flagFile(path, info, attrs, cutoff, opts)
			if !ok {
				return nil
			}
			out = append(out, rec)
			if opts.MaxFiles > 0 && len(out) >= opts.MaxFiles {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			return out, err
		}
		if opts.MaxFiles > 0 && len(out) >= opts.MaxFiles {
			break
		}
	}
	return out, nil
}

// Stat describes a single file regardless of whether it would be flagged
// by a walk. Watch mode uses it for changed files.
func Stat(path string, opts FileOptions) (telemetry.File, error) {
	attrs := opts.Attributes
	if attrs == nil {
		attrs = telemetry.DefaultFileAttributes()
	}
	info, err := os.Stat(path)
	if err != nil {
		return telemetry.File{}, err
	}
	return describeFile(path, info, attrs, opts), nil
}

func flagFile(path string, info fs.FileInfo, attrs telemetry.FileAttributeResolver, cutoff time.Time, opts FileOptions) (telemetry.File, bool) {
	recent := !cutoff.IsZero() && !info.ModTime().Before(cutoff)
	hidden := attrs.Hidden(path, info)
	exec := attrs.Executable(path, info)
	if !recent && !hidden && !exec {
		return telemetry.File{}, false
	}
	return describeFile(path, info, attrs, opts), true
}

func describeFile(path string, info fs.FileInfo, attrs telemetry.FileAttributeResolver, opts FileOptions) telemetry.File {
	rec := telemetry.File{
		Path:       path,
		Hidden:     telemetry.Ptr(attrs.Hidden(path, info)),
		Executable: telemetry.Ptr(attrs.Executable(path, info)),
		ModTime:    telemetry.Ptr(info.ModTime()),
		Size:       info.Size(),
	}
	if sum, err := telemetry.HashFile(path); err == nil {
		rec.SHA256 = telemetry.Ptr(sum)
	}
	if ent, err := telemetry.FileEntropy(path, opts.EntropyBytes); err == nil {
		rec.Entropy = telemetry.Ptr(ent)
	}
	return rec
}
