// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cloudsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

// Manager owns the worker's cloud sync sessions, keyed by sync id.
type Manager struct {
	clock clock.Clock
	emit  func(event string, payload any)
	log   zerolog.Logger

	mu      sync.Mutex
	syncers map[string]*Syncer
}

// NewManager returns an empty Manager.
func NewManager(clk clock.Clock, emit func(event string, payload any), log zerolog.Logger) *Manager {
	return &Manager{
		clock:   clk,
		emit:    emit,
		log:     logging.For(log, "cloudsync"),
		syncers: make(map[string]*Syncer),
	}
}

// Start begins a session, replacing one with the same id.
func (m *Manager) Start(ctx context.Context, req *protocol.StartCloudSync) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s := New(Options{
		SyncID:       req.SyncID,
		LocalPath:    req.LocalPath,
		RemotePath:   req.RemotePath,
		Remote:       NewRemote(req.RemoteURL, req.RemoteToken),
		PollInterval: time.Duration(req.PollIntervalMs) * time.Millisecond,
		Clock:        m.clock,
		Emit:         m.emit,
		Logger:       m.log,
	})

	m.mu.Lock()
	old := m.syncers[req.SyncID]
	delete(m.syncers, req.SyncID)
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.syncers[req.SyncID] = s
	m.mu.Unlock()
	m.log.Info().Str("sync", req.SyncID).Str("local", req.LocalPath).Str("remote", req.RemoteURL).Msg("cloud sync started")
	return nil
}

// Stop ends a session.
func (m *Manager) Stop(syncID string) error {
	m.mu.Lock()
	s, ok := m.syncers[syncID]
	delete(m.syncers, syncID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no cloud sync %q", errdefs.ErrNotFound, syncID)
	}
	s.Stop()
	return nil
}

// RequestFull schedules a full download for a session.
func (m *Manager) RequestFull(syncID string) error {
	m.mu.Lock()
	s, ok := m.syncers[syncID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no cloud sync %q", errdefs.ErrNotFound, syncID)
	}
	s.RequestFull()
	return nil
}

// StopAll ends every session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	syncers := m.syncers
	m.syncers = make(map[string]*Syncer)
	m.mu.Unlock()
	for _, s := range syncers {
		s.Stop()
	}
}
