// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package cloudsync mirrors a remote sandbox workspace into a local
// directory and pushes local edits back. Remote changes are found by
// polling the remote file list; local ones come from a file watcher.
//
// Every file the syncer writes is remembered in an echo table, so the
// watcher event caused by that write is not pushed straight back.
package cloudsync

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/echo"
	"github.com/Hyper-Int/cmux/internal/filewatch"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

const (
	DefaultPollInterval = 10 * time.Second
	// EchoWindow is how long a write of ours suppresses the matching
	// watcher event.
	EchoWindow = 5 * time.Second
	// downloadBatch bounds the paths per sync-download request.
	downloadBatch = 100
)

// Status values reported in worker:cloud-sync-status.
const (
	StatusStarted = "started"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusError   = "error"
	StatusStopped = "stopped"
)

// Options configures a Syncer.
type Options struct {
	SyncID       string
	LocalPath    string
	RemotePath   string
	Remote       *Remote
	PollInterval time.Duration
	// Debounce is the local watcher's quiet period.
	Debounce time.Duration
	Clock    clock.Clock
	Emit     func(event string, payload any)
	Logger   zerolog.Logger
}

// Syncer runs one cloud sync session.
type Syncer struct {
	opts  Options
	echo  *echo.Table
	log   zerolog.Logger
	clock clock.Clock

	// opMu serializes remote round trips so a poll never interleaves
	// with a push.
	opMu sync.Mutex

	mu sync.Mutex
	// synced holds the hash both sides agreed on at the last sync, by
	// path relative to LocalPath.
	synced     map[string]string
	downloaded int
	uploaded   int

	full    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	watcher *filewatch.Watcher
}

// New prepares a syncer; Start runs it.
func New(opts Options) *Syncer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Emit == nil {
		opts.Emit = func(string, any) {}
	}
	return &Syncer{
		opts:    opts,
		echo:    echo.NewTable(EchoWindow, opts.Clock),
		log:     opts.Logger.With().Str("sync", opts.SyncID).Logger(),
		clock:   opts.Clock,
		synced:  make(map[string]string),
		full:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start creates the local directory, performs the first full download and
// then keeps both sides in step until Stop.
func (s *Syncer) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.LocalPath, 0o755); err != nil {
		return fmt.Errorf("cloud sync local path: %w", err)
	}
	s.status(StatusStarted, "")
	if err := s.pull(ctx, true); err != nil {
		s.log.Warn().Err(err).Msg("initial sync failed; polling will retry")
	}

	w, err := filewatch.New(s.opts.LocalPath, filewatch.Options{
		Debounce:  s.opts.Debounce,
		Clock:     s.clock,
		Echo:      s.echo,
		Logger:    s.log,
		OnChanges: s.push,
	})
	if err != nil {
		return fmt.Errorf("cloud sync watcher: %w", err)
	}
	s.watcher = w
	go s.run()
	return nil
}

// Stop ends the session and drops its echo records.
func (s *Syncer) Stop() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	if s.watcher != nil {
		s.watcher.Stop()
		<-s.stopped
	}
	s.echo.Clear()
	s.status(StatusStopped, "")
}

// RequestFull schedules a full download that ignores earlier records.
func (s *Syncer) RequestFull() {
	select {
	case s.full <- struct{}{}:
	default:
	}
}

func (s *Syncer) run() {
	defer close(s.stopped)
	ticker := s.clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.pull(ctx, false); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("poll failed")
			}
		case <-s.full:
			if err := s.pull(ctx, true); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("full sync failed")
			}
		}
	}
}

func (s *Syncer) local(rel string) string {
	return filepath.Join(s.opts.LocalPath, filepath.FromSlash(rel))
}

// pull brings remote changes down. A full pull forgets what was synced
// before and rewrites every file that differs.
func (s *Syncer) pull(ctx context.Context, full bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	remote, err := s.opts.Remote.List(ctx, s.opts.RemotePath)
	if err != nil {
		s.status(StatusError, err.Error())
		return err
	}
	if full {
		s.echo.Clear()
		s.mu.Lock()
		s.synced = make(map[string]string)
		s.mu.Unlock()
	}

	s.mu.Lock()
	synced := make(map[string]string, len(s.synced))
	for k, v := range s.synced {
		synced[k] = v
	}
	s.mu.Unlock()

	seen := make(map[string]bool, len(remote))
	var want []string
	for _, f := range remote {
		if f.IsDir {
			continue
		}
		seen[f.Path] = true
		localHash, _ := fs.HashFile(s.local(f.Path))
		switch {
		case localHash == f.Hash:
			s.markSynced(f.Path, f.Hash)
		case !full && synced[f.Path] == f.Hash:
			// Unchanged remotely; the local edit is pushed by the watcher.
		default:
			want = append(want, f.Path)
		}
	}

	var removed []string
	for rel, hash := range synced {
		if seen[rel] {
			continue
		}
		localHash, err := fs.HashFile(s.local(rel))
		if err == nil && localHash != hash {
			// Edited locally after the last sync; keep it.
			continue
		}
		removed = append(removed, rel)
	}
	if len(want) == 0 && len(removed) == 0 {
		return nil
	}

	s.status(StatusSyncing, "")
	sort.Strings(want)
	var firstErr error
	for start := 0; start < len(want); start += downloadBatch {
		end := min(start+downloadBatch, len(want))
		resp, err := s.opts.Remote.Download(ctx, s.opts.RemotePath, want[start:end])
		if err != nil {
			s.status(StatusError, err.Error())
			return err
		}
		for _, f := range resp.Files {
			if err := s.writeLocal(f); err != nil {
				s.log.Warn().Err(err).Str("path", f.Path).Msg("write downloaded file")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		for _, f := range resp.Failed {
			s.log.Warn().Str("path", f.Path).Str("error", f.Error).Msg("remote could not serve file")
		}
	}
	for _, rel := range removed {
		abs := s.local(rel)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", rel).Msg("remove local file")
			continue
		}
		s.echo.Forget(abs)
		s.mu.Lock()
		delete(s.synced, rel)
		s.mu.Unlock()
	}

	if firstErr != nil {
		s.status(StatusError, firstErr.Error())
		return firstErr
	}
	s.status(StatusSynced, "")
	return nil
}

func (s *Syncer) writeLocal(f fs.DownloadedFile) error {
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return err
	}
	mode, err := fs.ParseMode(f.Mode)
	if err != nil || mode == 0 {
		mode = 0o644
	}
	abs := s.local(f.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	hash := fs.HashBytes(data)
	// Remember before writing so the watcher event is already an echo.
	s.echo.Remember(abs, hash)
	if err := os.WriteFile(abs, data, mode); err != nil {
		s.echo.Forget(abs)
		return err
	}
	s.markSynced(f.Path, hash)
	s.mu.Lock()
	s.downloaded++
	s.mu.Unlock()
	return nil
}

func (s *Syncer) markSynced(rel, hash string) {
	s.mu.Lock()
	s.synced[rel] = hash
	s.mu.Unlock()
}

// push sends a batch of local changes up. It runs on the watcher's timer.
func (s *Syncer) push(changes []protocol.FileChange) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	files := make([]fs.SyncFile, 0, len(changes))
	hashes := make(map[string]string, len(changes))
	for _, c := range changes {
		if c.Type == filewatch.ChangeDeleted {
			// Paths missing from synced were never uploaded or were just
			// removed by a pull.
			s.mu.Lock()
			_, known := s.synced[c.Path]
			s.mu.Unlock()
			if known {
				files = append(files, fs.SyncFile{Path: c.Path, Delete: true})
			}
			continue
		}
		abs := s.local(c.Path)
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		mode := ""
		if fi, err := os.Stat(abs); err == nil {
			mode = fmt.Sprintf("%o", fi.Mode().Perm())
		}
		hashes[c.Path] = fs.HashBytes(data)
		files = append(files, fs.SyncFile{
			Path:    c.Path,
			Content: base64.StdEncoding.EncodeToString(data),
			Mode:    mode,
		})
	}
	if len(files) == 0 {
		return
	}

	s.status(StatusSyncing, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := s.opts.Remote.Upload(ctx, s.opts.RemotePath, files)
	if err != nil {
		s.status(StatusError, err.Error())
		return
	}
	s.mu.Lock()
	for _, p := range res.Succeeded {
		if h, ok := hashes[p]; ok {
			s.synced[p] = h
		} else {
			delete(s.synced, p)
		}
		s.uploaded++
	}
	s.mu.Unlock()
	if res.Partial() {
		s.status(StatusError, res.Err().Error())
		return
	}
	s.status(StatusSynced, "")
}

func (s *Syncer) status(status, errMsg string) {
	s.mu.Lock()
	payload := protocol.CloudSyncStatus{
		SyncID:          s.opts.SyncID,
		Status:          status,
		FilesDownloaded: s.downloaded,
		FilesUploaded:   s.uploaded,
		Error:           errMsg,
	}
	s.mu.Unlock()
	if errMsg != "" {
		s.log.Warn().Str("status", status).Str("error", errMsg).Msg("cloud sync")
	}
	s.opts.Emit(protocol.EventCloudSyncStatus, payload)
}
