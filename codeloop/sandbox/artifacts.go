package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc"

	ports "github.com/ZanzyTHEbar/codeloop/codeloop/generation/harness/ports"
)

// settleWindow is how long the watcher must be quiet before a capture is considered complete.
const settleWindow = 30 * time.Millisecond

// ArtifactWatcher records files created or written under a directory between Begin and End.
type ArtifactWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	ignore  *ignore.GitIgnore
	logger  zerolog.Logger
	wg      conc.WaitGroup

	mu        sync.Mutex
	capturing bool
	touched   map[string]struct{}
	lastEvent time.Time
}

// NewArtifactWatcher watches root and every directory below it. Paths matching any of the
// gitignore-style patterns are never reported.
func NewArtifactWatcher(root string, patterns []string, logger zerolog.Logger) (*ArtifactWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	a := &ArtifactWatcher{
		root:    abs,
		watcher: w,
		ignore:  ignore.CompileIgnoreLines(patterns...),
		logger:  logger.With().Str("component", "artifacts").Logger(),
		touched: make(map[string]struct{}),
	}
	if _, err := a.addTree(abs); err != nil {
		w.Close()
		return nil, err
	}

	a.wg.Go(a.loop)
	return a, nil
}

// addTree registers dir and its subdirectories, skipping ignored ones, and returns
// the files already inside relative to the root.
func (a *ArtifactWatcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if !a.ignored(path, false) {
				if rel, err := filepath.Rel(a.root, path); err == nil {
					files = append(files, rel)
				}
			}
			return nil
		}
		if path != a.root && a.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := a.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
	return files, err
}

func (a *ArtifactWatcher) loop() {
	for {
		select {
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.handle(ev)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn().Err(err).Msg("Artifact watcher error")
		}
	}
}

func (a *ArtifactWatcher) handle(ev fsnotify.Event) {
	// Files written into a new directory before its watch was added are picked up by the walk
	var found []string
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if a.ignored(ev.Name, true) {
				return
			}
			files, err := a.addTree(ev.Name)
			if err != nil {
				a.logger.Debug().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
			found = files
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastEvent = time.Now()
	if !a.capturing {
		return
	}
	if found != nil {
		for _, rel := range found {
			a.touched[rel] = struct{}{}
		}
		return
	}

	rel, err := filepath.Rel(a.root, ev.Name)
	if err != nil || a.ignored(ev.Name, false) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(a.touched, rel)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		a.touched[rel] = struct{}{}
	}
}

func (a *ArtifactWatcher) ignored(path string, isDir bool) bool {
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return a.ignore.MatchesPath(rel)
}

// Begin starts a new capture, discarding anything recorded before.
func (a *ArtifactWatcher) Begin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capturing = true
	a.touched = make(map[string]struct{})
}

// End stops the capture and returns the files that still exist, sorted by name.
// It waits briefly for in-flight events to be delivered.
func (a *ArtifactWatcher) End() []ports.Artifact {
	a.settle()

	a.mu.Lock()
	a.capturing = false
	names := make([]string, 0, len(a.touched))
	for name := range a.touched {
		names = append(names, name)
	}
	a.touched = make(map[string]struct{})
	a.mu.Unlock()

	sort.Strings(names)
	artifacts := make([]ports.Artifact, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(filepath.Join(a.root, name))
		if err != nil || info.IsDir() {
			continue
		}
		artifacts = append(artifacts, ports.Artifact{Name: filepath.ToSlash(name), Size: info.Size()})
	}
	return artifacts
}

func (a *ArtifactWatcher) settle() {
	deadline := time.Now().Add(10 * settleWindow)
	for time.Now().Before(deadline) {
		time.Sleep(settleWindow / 3)
		a.mu.Lock()
		quiet := time.Since(a.lastEvent) >= settleWindow
		a.mu.Unlock()
		if quiet {
			return
		}
	}
}

// Close stops watching and waits for the event loop to exit.
func (a *ArtifactWatcher) Close() error {
	err := a.watcher.Close()
	a.wg.Wait()
	return err
}
