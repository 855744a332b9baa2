// Package watcher monitors directories for changed files and reports each
// one once it has stopped changing.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"edrcore/internal/collect"
	"edrcore/internal/telemetry"
)

// Event is a changed file that has been quiet for the debounce interval.
type Event struct {
	Path      string
	File      telemetry.File
	Timestamp time.Time
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must be quiet before it is reported.
	Debounce time.Duration
	// Exclude are glob patterns matched against base names.
	Exclude []string
	// SkipDirs are directory base names that are not watched.
	SkipDirs []string
	// File describes stable files; MaxAge is ignored.
	File collect.FileOptions
}

// Watcher monitors directory trees and emits debounced file events.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string
	opts      Options

	// path -> time of the last write or create seen
	state   map[string]time.Time
	stateMu sync.RWMutex

	events chan Event
	errors chan error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a watcher for paths. Nothing is watched until Start.
func New(paths []string, opts Options) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	opts.File.MaxAge = 0

	return &Watcher{
		fsWatcher: fsWatcher,
		paths:     paths,
		opts:      opts,
		state:     make(map[string]time.Time),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Events returns the channel of stable file events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start watches every configured path. Directories are watched
// recursively; a file path watches its parent directory. Files that exist
// at start are not reported until they change.
func (w *Watcher) Start() error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.addTree(absPath); err != nil {
				return err
			}
		} else if err := w.fsWatcher.Add(filepath.Dir(absPath)); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.events)
		close(w.errors)
		err = w.fsWatcher.Close()
	})
	return err
}

// addTree watches root and every directory below it that is not skipped.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			w.sendError(err)
		}
		return nil
	})
}

func (w *Watcher) skipDir(name string) bool {
	for _, s := range w.opts.SkipDirs {
		if s == name {
			return true
		}
	}
	return false
}

func (w *Watcher) excluded(path string) bool {
	base := filepath.Base(path)
	for _, p := range w.opts.Exclude {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.stateMu.Lock()
		delete(w.state, event.Name)
		w.stateMu.Unlock()
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New directories are watched as they appear.
		if event.Op&fsnotify.Create != 0 && !w.skipDir(info.Name()) {
			if err := w.addTree(event.Name); err != nil {
				w.sendError(err)
			}
		}
		return
	}
	if w.excluded(event.Name) {
		return
	}

	w.stateMu.Lock()
	w.state[event.Name] = w.now()
	w.stateMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.opts.Debounce / 2
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkStableFiles(w.now())
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles emits files quiet for at least the debounce interval.
// The lock is released while files are described so eventLoop is never
// blocked on I/O.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.opts.Debounce)

	var stable []stableFile
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if !lastMod.After(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()

	if len(stable) == 0 {
		return
	}

	type described struct {
		stableFile
		file telemetry.File
		err  error
	}
	results := make([]described, len(stable))
	for i, sf := range stable {
		f, err := collect.Stat(sf.path, w.opts.File)
		results[i] = described{stableFile: sf, file: f, err: err}
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		current, exists := w.state[r.path]
		if !exists || !current.Equal(r.lastMod) {
			// Removed, or written again while being described.
			continue
		}
		if r.err != nil {
			delete(w.state, r.path)
			continue
		}

		select {
		case w.events <- Event{Path: r.path, File: r.file, Timestamp: now}:
			delete(w.state, r.path)
		default:
			// Channel full; retry on the next tick.
		}
	}
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// WatchedPaths returns the configured paths.
func (w *Watcher) WatchedPaths() []string {
	return w.paths
}

// TrackedFiles returns the number of files waiting to become stable.
func (w *Watcher) TrackedFiles() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
