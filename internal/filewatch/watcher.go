// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package filewatch reports changes in an agent's worktree as debounced
// batches, leaving out writes the worker made itself.
package filewatch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/echo"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

// DefaultDebounce is the quiet period before a batch is reported.
const DefaultDebounce = 2 * time.Second

const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Clock    clock.Clock
	// Echo, when set, suppresses changes whose content matches what the
	// worker itself last wrote. Keys are absolute paths.
	Echo      *echo.Table
	OnChanges func(changes []protocol.FileChange)
	Logger    zerolog.Logger
}

// Watcher watches a directory tree. Hidden files and directories (".git"
// among them) are ignored.
type Watcher struct {
	root string
	opts Options
	fsw  *fsnotify.Watcher
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]string
	timer   *clock.Timer

	stop    chan struct{}
	stopped chan struct{}
}

// New starts watching root and every non-hidden directory below it.
func New(root string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    filepath.Clean(root),
		opts:    opts,
		fsw:     fsw,
		log:     opts.Logger.With().Str("root", root).Logger(),
		pending: make(map[string]string),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	w.addTree(w.root)
	go w.loop()
	return w, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string { return w.root }

// addTree watches every non-hidden directory below dir and returns the
// regular files already there.
func (w *Watcher) addTree(dir string) []string {
	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		if hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("watch directory")
		}
		return nil
	})
	return files
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Stop ends the watch. Pending changes are discarded.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	w.fsw.Close()
	<-w.stopped
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = nil
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fsnotify")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if hidden(part) {
			return
		}
	}

	info, statErr := os.Lstat(ev.Name)
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if ev.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		if err := w.fsw.Add(ev.Name); err != nil {
			w.log.Warn().Err(err).Str("dir", ev.Name).Msg("watch new directory")
		}
		// Files written before the watch was added have no events of
		// their own.
		existing := w.addTree(ev.Name)
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, path := range existing {
			if r, err := filepath.Rel(w.root, path); err == nil && w.pending != nil {
				if _, seen := w.pending[filepath.ToSlash(r)]; !seen {
					w.pending[filepath.ToSlash(r)] = ChangeAdded
				}
			}
		}
		if len(existing) > 0 {
			w.scheduleLocked()
		}
		return
	}

	rel = filepath.ToSlash(rel)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	prev := w.pending[rel]
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if prev == ChangeAdded {
			delete(w.pending, rel)
		} else {
			w.pending[rel] = ChangeDeleted
		}
	case ev.Has(fsnotify.Create):
		if prev == ChangeDeleted {
			w.pending[rel] = ChangeModified
		} else if prev == "" {
			w.pending[rel] = ChangeAdded
		}
	case ev.Has(fsnotify.Write):
		if prev == "" || prev == ChangeDeleted {
			w.pending[rel] = ChangeModified
		}
	default:
		return
	}

	w.scheduleLocked()
}

func (w *Watcher) scheduleLocked() {
	if w.timer == nil {
		w.timer = w.opts.Clock.AfterFunc(w.opts.Debounce, w.flush)
		return
	}
	w.timer.Reset(w.opts.Debounce)
}

// flush reports the pending batch once the tree has been quiet.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	if pending == nil {
		w.mu.Unlock()
		return
	}
	w.pending = make(map[string]string)
	w.mu.Unlock()

	changes := make([]protocol.FileChange, 0, len(pending))
	for rel, kind := range pending {
		abs := filepath.Join(w.root, filepath.FromSlash(rel))
		if kind == ChangeDeleted {
			if w.opts.Echo != nil {
				w.opts.Echo.Forget(abs)
			}
		} else if w.opts.Echo != nil {
			hash, err := fs.HashFile(abs)
			if err != nil {
				// Gone again before the batch closed.
				continue
			}
			if w.opts.Echo.IsEcho(abs, hash) {
				w.log.Debug().Str("path", rel).Msg("suppressed own write")
				continue
			}
		}
		changes = append(changes, protocol.FileChange{Type: kind, Path: rel})
	}
	if len(changes) == 0 || w.opts.OnChanges == nil {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	w.opts.OnChanges(changes)
}
