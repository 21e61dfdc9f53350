// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package terminal owns the worker's terminal sessions. Each session runs on
// one of two backends (tmux or the PTY server), mirrors its output into a
// screen buffer and may carry a completion detector for the agent run
// inside it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/completion"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/pty"
)

// Emitter sends a worker event towards the orchestrator.
type Emitter interface {
	Emit(event string, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event string, payload any)

func (f EmitterFunc) Emit(event string, payload any) { f(event, payload) }

// HealthChecker is implemented by backends that can be unreachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Options configures a Manager.
type Options struct {
	Tmux Backend
	// PTY may be nil, in which case every session uses Tmux.
	PTY     Backend
	Emitter Emitter
	// Detectors resolves completion detectors. Nil disables completion
	// detection.
	Detectors *completion.Registry
	// Completion runs once a detector fires. Defaults to emitting
	// worker:task-complete.
	Completion completion.Handler
	Clock      clock.Clock
	// ScreenSize is how many bytes of output each session keeps.
	ScreenSize int
	// Home is used to expand auth file destinations. Defaults to $HOME.
	Home   string
	Logger zerolog.Logger
}

// Manager creates and tracks terminal sessions.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ScreenSize <= 0 {
		opts.ScreenSize = pty.DefaultScrollbackSize
	}
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	if opts.Emitter == nil {
		opts.Emitter = EmitterFunc(func(string, any) {})
	}
	m := &Manager{
		opts:     opts,
		log:      logging.For(opts.Logger, "terminal"),
		sessions: make(map[string]*Session),
	}
	if m.opts.Completion == nil {
		m.opts.Completion = completion.HandlerFunc(m.emitTaskComplete)
	}
	return m
}

// CreateTerminal starts a session. A spawn failure is reported with a
// worker:error event and returned; the session is not kept.
func (m *Manager) CreateTerminal(ctx context.Context, req *protocol.CreateTerminal) (Info, error) {
	if err := req.Validate(); err != nil {
		return Info{}, err
	}

	backend := m.selectBackend(ctx, req.Backend, req.TerminalID)
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		info: Info{
			TerminalID: req.TerminalID,
			Backend:    backend.Name(),
			TaskRunID:  req.TaskRunID,
			AgentModel: req.AgentModel,
			Cols:       req.Cols,
			Rows:       req.Rows,
			State:      StateRunning,
			CreatedAt:  m.opts.Clock.Now(),
		},
		screen: NewScreen(m.opts.ScreenSize),
		cancel: cancel,
		ready:  make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.TerminalID]; exists {
		m.mu.Unlock()
		cancel()
		return Info{}, fmt.Errorf("%w: terminal %q already exists", errdefs.ErrValidation, req.TerminalID)
	}
	m.sessions[req.TerminalID] = sess
	m.mu.Unlock()

	if len(req.AuthFiles) > 0 {
		res := writeAuthFiles(req.AuthFiles, m.opts.Home, m.log)
		m.log.Info().Str("terminal", req.TerminalID).Int("written", len(res.Succeeded)).Int("failed", len(res.Failed)).Msg("auth files")
	}

	launch := LaunchOptions{
		TerminalID: req.TerminalID,
		Cols:       req.Cols,
		Rows:       req.Rows,
		Cwd:        req.Cwd,
		Command:    req.Command,
		Args:       req.Args,
		Env:        sessionEnv(req),
	}
	handle, err := backend.Start(ctx, launch, Callbacks{
		OnOutput: func(data []byte) { m.onOutput(sess, data) },
		OnExit:   func(code int) { m.onExit(sess, code) },
	})
	if err != nil {
		m.remove(sess)
		cancel()
		close(sess.ready)
		if !errors.Is(err, errdefs.ErrSpawn) {
			err = fmt.Errorf("%w: %v", errdefs.ErrSpawn, err)
		}
		m.log.Error().Err(err).Str("terminal", req.TerminalID).Str("backend", backend.Name()).Msg("terminal failed to start")
		m.opts.Emitter.Emit(protocol.EventError, protocol.WorkerError{
			Message:    err.Error(),
			Event:      protocol.EventCreateTerminal,
			TerminalID: req.TerminalID,
		})
		return Info{}, err
	}

	sess.mu.Lock()
	sess.handle = handle
	sess.mu.Unlock()
	info := sess.snapshot()

	m.opts.Emitter.Emit(protocol.EventTerminalCreated, protocol.TerminalCreated{
		TerminalID: info.TerminalID,
		Backend:    info.Backend,
		TaskRunID:  info.TaskRunID,
	})
	close(sess.ready)
	m.log.Info().Str("terminal", info.TerminalID).Str("backend", info.Backend).Str("task_run", info.TaskRunID).Msg("terminal created")

	go m.runPipelines(sessCtx, sess, handle, req.StartupCommands, req.PostStartCommands)
	go m.watchCompletion(sessCtx, sess)
	return info, nil
}

// selectBackend falls back to tmux when the PTY server is not reachable.
// The fallback is only logged.
func (m *Manager) selectBackend(ctx context.Context, requested, terminalID string) Backend {
	if requested != protocol.BackendPTY || m.opts.PTY == nil {
		return m.opts.Tmux
	}
	if hc, ok := m.opts.PTY.(HealthChecker); ok && !hc.Healthy(ctx) {
		m.log.Warn().Str("terminal", terminalID).Msg("pty server unreachable, using tmux")
		return m.opts.Tmux
	}
	return m.opts.PTY
}

func sessionEnv(req *protocol.CreateTerminal) []string {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := []string{"TERM=xterm-256color"}
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	env = append(env, "CMUX_TERMINAL_ID="+req.TerminalID)
	if req.TaskRunID != "" {
		env = append(env, "CMUX_TASK_RUN_ID="+req.TaskRunID)
	}
	return env
}

func (m *Manager) runPipelines(ctx context.Context, sess *Session, h Handle, startup []string, postStart []protocol.PostStartCommand) {
	id := sess.info.TerminalID
	if err := h.RunStartup(ctx, startup); err != nil {
		m.reportError(id, fmt.Sprintf("startup commands: %v", err))
	}
	for _, f := range h.RunPostStart(ctx, postStart) {
		m.reportError(id, fmt.Sprintf("post-start command %q: %v", f.Command, f.Err))
	}
}

func (m *Manager) reportError(terminalID, msg string) {
	m.log.Warn().Str("terminal", terminalID).Msg(msg)
	m.opts.Emitter.Emit(protocol.EventError, protocol.WorkerError{
		Message:    msg,
		Event:      protocol.EventCreateTerminal,
		TerminalID: terminalID,
	})
}

// watchCompletion runs the session's detector once. Sessions without a task
// run have nothing to complete.
func (m *Manager) watchCompletion(ctx context.Context, sess *Session) {
	info := sess.snapshot()
	if m.opts.Detectors == nil || info.TaskRunID == "" {
		return
	}
	det, ok := m.opts.Detectors.Resolve(info.AgentModel, info.Backend)
	if !ok {
		return
	}
	log := m.log.With().Str("terminal", info.TerminalID).Str("detector", det.Name()).Logger()
	res, err := det.Wait(ctx, completion.Target{
		TerminalID: info.TerminalID,
		TaskRunID:  info.TaskRunID,
		AgentModel: info.AgentModel,
		Backend:    info.Backend,
		StartedAt:  info.CreatedAt,
		Activity:   sess,
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("completion detector failed")
		}
		return
	}
	if _, ok := sess.transition(StateIdleDetected); !ok {
		return
	}
	elapsed := res.At.Sub(info.CreatedAt)
	if res.DetectedBy == "idle" {
		m.opts.Emitter.Emit(protocol.EventTerminalIdle, protocol.TerminalIdle{
			TerminalID: info.TerminalID,
			TaskRunID:  info.TaskRunID,
			ElapsedMs:  elapsed.Milliseconds(),
		})
	}
	log.Info().Str("detected_by", res.DetectedBy).Dur("elapsed", elapsed).Msg("task run finished")

	err = m.opts.Completion.TaskComplete(ctx, completion.Completion{
		TerminalID: info.TerminalID,
		TaskRunID:  info.TaskRunID,
		AgentModel: info.AgentModel,
		Elapsed:    elapsed,
		DetectedBy: res.DetectedBy,
	})
	if err != nil {
		m.fail(sess, fmt.Sprintf("completion workflow: %v", err))
		return
	}
	sess.transition(StateCompleted)
}

func (m *Manager) emitTaskComplete(_ context.Context, c completion.Completion) error {
	m.opts.Emitter.Emit(protocol.EventTaskComplete, protocol.TaskComplete{
		TerminalID: c.TerminalID,
		TaskRunID:  c.TaskRunID,
		AgentModel: c.AgentModel,
		ElapsedMs:  c.Elapsed.Milliseconds(),
		DetectedBy: c.DetectedBy,
	})
	return nil
}

func (m *Manager) fail(sess *Session, reason string) {
	if _, ok := sess.transition(StateFailed); !ok {
		return
	}
	info := sess.snapshot()
	m.log.Warn().Str("terminal", info.TerminalID).Msg(reason)
	m.opts.Emitter.Emit(protocol.EventTerminalFailed, protocol.TerminalFailed{
		TerminalID: info.TerminalID,
		TaskRunID:  info.TaskRunID,
		Error:      reason,
	})
}

func (m *Manager) onOutput(sess *Session, data []byte) {
	<-sess.ready
	if data = sess.completeRunes(data); len(data) == 0 {
		return
	}
	sess.recordOutput(data, m.opts.Clock.Now())
	m.opts.Emitter.Emit(protocol.EventTerminalOutput, protocol.TerminalOutput{
		TerminalID: sess.info.TerminalID,
		Data:       string(data),
	})
}

func (m *Manager) onExit(sess *Session, code int) {
	<-sess.ready
	sess.cancel()
	m.remove(sess)
	id := sess.info.TerminalID
	exit := protocol.TerminalExit{TerminalID: id, ExitCode: code}
	if code > 128 {
		exit.Signal = unix.SignalName(syscall.Signal(code - 128))
	}
	m.opts.Emitter.Emit(protocol.EventTerminalExit, exit)
	if code != 0 {
		m.fail(sess, fmt.Sprintf("process exited with code %d", code))
	}
	m.log.Info().Str("terminal", id).Int("code", code).Msg("terminal exited")
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sess.info.TerminalID]; ok && cur == sess {
		delete(m.sessions, sess.info.TerminalID)
	}
}

func (m *Manager) get(id string) (*Session, Handle, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: terminal %q", errdefs.ErrNotFound, id)
	}
	h := sess.getHandle()
	if h == nil {
		return nil, nil, fmt.Errorf("%w: terminal %q is still starting", errdefs.ErrNotFound, id)
	}
	return sess, h, nil
}

// Write sends input to a session.
func (m *Manager) Write(ctx context.Context, id string, data []byte) error {
	_, h, err := m.get(id)
	if err != nil {
		return err
	}
	return h.Write(ctx, data)
}

// Resize changes a session's dimensions.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: cols and rows must be positive", errdefs.ErrValidation)
	}
	sess, h, err := m.get(id)
	if err != nil {
		return err
	}
	if err := h.Resize(ctx, cols, rows); err != nil {
		return err
	}
	sess.mu.Lock()
	sess.info.Cols, sess.info.Rows = cols, rows
	sess.mu.Unlock()
	return nil
}

// Close ends a session. The exit is reported through the usual
// terminal-exit event once the backend has stopped it.
func (m *Manager) Close(ctx context.Context, id string) error {
	_, h, err := m.get(id)
	if err != nil {
		return err
	}
	return h.Close(ctx)
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TerminalID < out[j].TerminalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one session's info.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: terminal %q", errdefs.ErrNotFound, id)
	}
	return sess.snapshot(), nil
}

// Snapshot returns the session's screen buffer as plain text.
func (m *Manager) Snapshot(id string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: terminal %q", errdefs.ErrNotFound, id)
	}
	return sess.screen.Text(), nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits up to ctx for them to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if h := s.getHandle(); h != nil {
			if err := h.Close(ctx); err != nil {
				m.log.Debug().Err(err).Str("terminal", s.info.TerminalID).Msg("close on shutdown")
			}
		}
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.Count() > 0 {
		select {
		case <-ctx.Done():
			m.log.Warn().Int("remaining", m.Count()).Msg("shutdown timed out")
			return
		case <-ticker.C:
		}
	}
}
