// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ptyserver hosts long-lived PTY sessions over HTTP and WebSocket,
// and provides the client the worker uses to drive them.
package ptyserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/pty"
)

// CreateRequest is the body of POST /sessions.
type CreateRequest struct {
	ID    string            `json:"id,omitempty"`
	Shell string            `json:"shell,omitempty"`
	Args  []string          `json:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
}

// SessionInfo describes a session in list and create responses.
type SessionInfo struct {
	ID        string    `json:"id"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd,omitempty"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Pid       int       `json:"pid"`
	// Fallback is set when the session runs under script(1) because no
	// pty could be allocated.
	Fallback  bool      `json:"fallback,omitempty"`
	Clients   int       `json:"clients"`
	CreatedAt time.Time `json:"createdAt"`
}

type session struct {
	info SessionInfo
	hub  *pty.Hub
}

// Manager owns the PTY sessions. Exited sessions are removed.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	log      zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{sessions: make(map[string]*session), log: logging.For(log, "ptyserver")}
}

// Create starts a session.
func (m *Manager) Create(req CreateRequest) (SessionInfo, error) {
	if req.Cols <= 0 || req.Rows <= 0 {
		return SessionInfo{}, fmt.Errorf("%w: cols and rows must be positive", errdefs.ErrValidation)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Shell == "" {
		req.Shell = pty.DefaultShell()
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.ID]; exists {
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: session %s already exists", errdefs.ErrValidation, req.ID)
	}
	// Reserve the id while the process starts.
	m.sessions[req.ID] = nil
	m.mu.Unlock()

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	p, fallback, err := pty.StartWithFallback(pty.Options{
		Command: req.Shell,
		Args:    req.Args,
		Dir:     req.Cwd,
		Env:     env,
		Cols:    uint16(req.Cols),
		Rows:    uint16(req.Rows),
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, req.ID)
		m.mu.Unlock()
		return SessionInfo{}, err
	}

	s := &session{
		info: SessionInfo{
			ID:        req.ID,
			Shell:     req.Shell,
			Cwd:       req.Cwd,
			Cols:      req.Cols,
			Rows:      req.Rows,
			Pid:       p.Pid(),
			Fallback:  fallback,
			CreatedAt: time.Now(),
		},
		hub: pty.NewHub(p, 0),
	}
	s.hub.OnExit(func(code int) {
		m.log.Info().Str("session", req.ID).Int("exit_code", code).Msg("session exited")
		m.mu.Lock()
		if m.sessions[req.ID] == s {
			delete(m.sessions, req.ID)
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.sessions[req.ID] = s
	m.mu.Unlock()
	go s.hub.Run()

	m.log.Info().Str("session", req.ID).Str("shell", req.Shell).Int("pid", s.info.Pid).Msg("session created")
	return s.info, nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[id]
	if s == nil {
		return nil, fmt.Errorf("%w: session %s", errdefs.ErrNotFound, id)
	}
	return s, nil
}

// Hub returns the session's output hub.
func (m *Manager) Hub(id string) (*pty.Hub, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.hub, nil
}

// List returns all live sessions sorted by creation time.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s == nil {
			continue
		}
		info := s.info
		info.Clients = s.hub.ClientCount()
		out = append(out, info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Input writes data to the session.
func (m *Manager) Input(id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	_, err = s.hub.Write(data)
	return err
}

// Resize changes the session's window size.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: cols and rows must be positive", errdefs.ErrValidation)
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.info.Cols, s.info.Rows = cols, rows
	m.mu.Unlock()
	return s.hub.Resize(uint16(cols), uint16(rows))
}

// Delete kills the session.
func (m *Manager) Delete(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	s.hub.Stop()
	return nil
}

// Shutdown kills every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		if s != nil {
			s.hub.Stop()
		}
	}
}
