// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/execx"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/pty"
	"github.com/Hyper-Int/cmux/internal/tmux"
)

const panePollInterval = 250 * time.Millisecond

// TmuxBackend runs each session as a tmux session with a client attached
// through a local pty. Output is read from that client.
type TmuxBackend struct {
	server           *tmux.Server
	postStartTimeout time.Duration
	log              zerolog.Logger
}

// NewTmuxBackend creates a backend on the given tmux server.
func NewTmuxBackend(server *tmux.Server, postStartTimeout time.Duration, log zerolog.Logger) *TmuxBackend {
	if postStartTimeout <= 0 {
		postStartTimeout = 60 * time.Second
	}
	return &TmuxBackend{server: server, postStartTimeout: postStartTimeout, log: logging.For(log, "tmux")}
}

func (b *TmuxBackend) Name() string { return protocol.BackendTmux }

func (b *TmuxBackend) Start(ctx context.Context, launch LaunchOptions, cb Callbacks) (Handle, error) {
	if !tmux.Available() {
		return nil, fmt.Errorf("%w: tmux not installed", errdefs.ErrSpawn)
	}
	session := tmux.SanitizeSessionName(launch.TerminalID)
	var command []string
	if launch.Command != "" {
		command = append([]string{launch.Command}, launch.Args...)
	}
	args := b.server.AttachArgs(tmux.AttachOptions{
		Session: session,
		Cols:    launch.Cols,
		Rows:    launch.Rows,
		Cwd:     launch.Cwd,
		Env:     launch.Env,
		Command: command,
	})

	p, err := pty.Start(pty.Options{
		Command: "tmux",
		Args:    args,
		Dir:     launch.Cwd,
		Env:     launch.Env,
		Cols:    uint16(launch.Cols),
		Rows:    uint16(launch.Rows),
	})
	if err != nil {
		return nil, err
	}

	h := &tmuxHandle{
		backend: b,
		session: session,
		launch:  launch,
		hub:     pty.NewHub(p, 0),
		paneRC:  -1,
	}
	if cb.OnOutput != nil {
		h.hub.OnOutput(cb.OnOutput)
	}
	h.hub.OnExit(func(clientCode int) {
		if cb.OnExit != nil {
			cb.OnExit(h.exitCode(clientCode))
		}
	})
	go h.hub.Run()
	go h.watchPane()

	b.log.Info().Str("terminal", launch.TerminalID).Str("session", session).Strs("command", command).Msg("tmux session started")
	return h, nil
}

type tmuxHandle struct {
	backend *TmuxBackend
	session string
	launch  LaunchOptions
	hub     *pty.Hub

	mu     sync.Mutex
	paneRC int
}

// exitCode prefers the pane's recorded status over the client's, which is
// 0 whenever the session simply ended.
func (h *tmuxHandle) exitCode(clientCode int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paneRC >= 0 {
		return h.paneRC
	}
	return clientCode
}

// watchPane waits for the pane command to die (remain-on-exit keeps it),
// records its status, then kills the session so the client exits.
func (h *tmuxHandle) watchPane() {
	ticker := time.NewTicker(panePollInterval)
	defer ticker.Stop()
	server := h.backend.server
	for {
		select {
		case <-h.hub.Done():
			return
		case <-ticker.C:
		}
		dead, code, err := server.PaneStatus(h.session)
		if err != nil || !dead {
			continue
		}
		h.mu.Lock()
		h.paneRC = code
		h.mu.Unlock()
		if err := server.KillSession(h.session); err != nil {
			h.backend.log.Warn().Err(err).Str("session", h.session).Msg("kill finished session")
		}
		return
	}
}

func (h *tmuxHandle) Write(_ context.Context, data []byte) error {
	_, err := h.hub.Write(data)
	return err
}

func (h *tmuxHandle) Resize(_ context.Context, cols, rows int) error {
	if err := h.hub.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	return h.backend.server.ResizeWindow(h.session, cols, rows)
}

func (h *tmuxHandle) Close(context.Context) error {
	err := h.backend.server.KillSession(h.session)
	h.hub.Stop()
	return err
}

func (h *tmuxHandle) env() map[string]string {
	env := make(map[string]string, len(h.launch.Env))
	for _, kv := range h.launch.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// RunStartup launches the commands as one detached `sh -c "a && b"` chain.
// It returns once the chain has started.
func (h *tmuxHandle) RunStartup(_ context.Context, commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	chain := strings.Join(commands, " && ")
	cmd := exec.Command("sh", "-c", chain)
	cmd.Dir = h.launch.Cwd
	cmd.Env = execx.MergeEnv(os.Environ(), h.env())
	if err := execx.StartDetached(cmd); err != nil {
		return err
	}
	log := h.backend.log.With().Str("terminal", h.launch.TerminalID).Logger()
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn().Err(err).Str("chain", chain).Msg("startup command chain failed")
			return
		}
		log.Debug().Int("commands", len(commands)).Msg("startup commands finished")
	}()
	return nil
}

func (h *tmuxHandle) RunPostStart(ctx context.Context, commands []protocol.PostStartCommand) []CommandFailure {
	var failures []CommandFailure
	for _, c := range commands {
		timeout := h.backend.postStartTimeout
		if c.TimeoutMs > 0 {
			timeout = time.Duration(c.TimeoutMs) * time.Millisecond
		}
		run := execx.Shell(c.Command)
		run.Dir = h.launch.Cwd
		run.Env = h.env()
		run.Timeout = timeout

		res, err := execx.Run(ctx, run)
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		if err == nil {
			h.backend.log.Debug().Str("terminal", h.launch.TerminalID).Str("description", c.Description).Msg("post-start command finished")
			continue
		}
		failures = append(failures, CommandFailure{Command: c.Command, Err: err})
		if !c.ContinueOnError {
			break
		}
	}
	return failures
}
