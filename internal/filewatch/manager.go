// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package filewatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/echo"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

// Manager runs one Watcher per task run and emits worker:file-changes.
type Manager struct {
	echo     *echo.Table
	clock    clock.Clock
	debounce time.Duration
	emit     func(event string, payload any)
	log      zerolog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager returns a Manager. Writes recorded in table are not reported.
func NewManager(table *echo.Table, clk clock.Clock, emit func(event string, payload any), log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		echo:     table,
		clock:    clk,
		emit:     emit,
		log:      logging.For(log, "filewatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Start watches worktreePath for taskRunID, replacing any earlier watch for
// the same run.
func (m *Manager) Start(taskRunID, worktreePath string) error {
	w, err := New(worktreePath, Options{
		Debounce: m.debounce,
		Clock:    m.clock,
		Echo:     m.echo,
		Logger:   m.log,
		OnChanges: func(changes []protocol.FileChange) {
			m.emit(protocol.EventFileChanges, protocol.FileChanges{
				TaskRunID:    taskRunID,
				WorktreePath: worktreePath,
				Changes:      changes,
				Timestamp:    m.clock.Now().UnixMilli(),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", worktreePath, err)
	}

	m.mu.Lock()
	old := m.watchers[taskRunID]
	m.watchers[taskRunID] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	m.log.Info().Str("task_run", taskRunID).Str("path", worktreePath).Msg("file watch started")
	return nil
}

// Stop ends the watch for taskRunID.
func (m *Manager) Stop(taskRunID string) error {
	m.mu.Lock()
	w, ok := m.watchers[taskRunID]
	delete(m.watchers, taskRunID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no file watch for %q", errdefs.ErrNotFound, taskRunID)
	}
	m.stopWatcher(w)
	m.log.Info().Str("task_run", taskRunID).Msg("file watch stopped")
	return nil
}

// stopWatcher stops w and drops the echo records for its tree, so a later
// watch of the same path starts with nothing suppressed.
func (m *Manager) stopWatcher(w *Watcher) {
	w.Stop()
	if m.echo != nil {
		m.echo.ForgetPrefix(w.root)
	}
}

// StopAll ends every watch.
func (m *Manager) StopAll() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range watchers {
		m.stopWatcher(w)
	}
}

// Active returns the number of running watches.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}
