// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package tmux drives the worker's dedicated tmux server. Every command
// carries the server's socket, so the user's own tmux server is never
// touched.
package tmux

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is written to the server's config file. remain-on-exit keeps a
// finished pane around so its exit status can be read.
const Config = `set -g remain-on-exit on
set -g status off
set -g history-limit 50000
set -g default-terminal "xterm-256color"
`

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeSessionName maps an id onto tmux's safe session-name alphabet by
// replacing every other character with '_'. It is idempotent.
func SanitizeSessionName(id string) string {
	if id == "" {
		return "_"
	}
	return unsafeSessionChars.ReplaceAllString(id, "_")
}

// Available reports whether a tmux binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// Server is a tmux server identified by its socket path.
type Server struct {
	socketPath string
	configFile string
}

// NewServer returns a Server for socketPath. configFile is passed with -f
// whenever a command may start the server; empty uses tmux's default
// resolution.
func NewServer(socketPath, configFile string) *Server {
	return &Server{socketPath: socketPath, configFile: configFile}
}

// EnsureConfig writes Config to path and returns a server using it.
func EnsureConfig(socketPath, configPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("tmux config dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("tmux socket dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(Config), 0644); err != nil {
		return nil, fmt.Errorf("tmux config: %w", err)
	}
	return NewServer(socketPath, configPath), nil
}

// SocketPath returns the server's socket.
func (s *Server) SocketPath() string { return s.socketPath }

// AttachOptions describes the session AttachArgs creates or joins.
type AttachOptions struct {
	Session string
	Cols    int
	Rows    int
	Cwd     string
	// Env is KEY=VALUE pairs. Panes inherit the server's environment, not
	// the client's, so per-session variables go through -e.
	Env     []string
	Command []string
}

// AttachArgs returns the argv (without "tmux") that creates the session if
// needed and attaches to it:
//
//	-f <config> -S <socket> new-session -A -s <name> -x <cols> -y <rows> [-c dir] [-e K=V...] [command...]
func (s *Server) AttachArgs(opts AttachOptions) []string {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath,
		"new-session", "-A", "-s", opts.Session,
		"-x", strconv.Itoa(opts.Cols), "-y", strconv.Itoa(opts.Rows))
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	return append(args, opts.Command...)
}

// NewSession starts a detached session running command.
func (s *Server) NewSession(session string, command ...string) error {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "new-session", "-d", "-s", session)
	_, err := s.Run(append(args, command...)...)
	return err
}

// Run executes a tmux subcommand on this server and returns its output.
func (s *Server) Run(args ...string) (string, error) {
	full := append([]string{"-S", s.socketPath}, args...)
	output, err := exec.Command("tmux", full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// HasSession reports whether the session exists. A stopped server has none.
func (s *Server) HasSession(session string) bool {
	return exec.Command("tmux", "-S", s.socketPath, "has-session", "-t", exact(session)).Run() == nil
}

// KillSession ends a session. A session or server that is already gone is
// not an error.
func (s *Server) KillSession(session string) error {
	output, err := exec.Command("tmux", "-S", s.socketPath, "kill-session", "-t", exact(session)).CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if strings.Contains(out, "can't find session") || strings.Contains(out, "no server running") ||
			strings.Contains(out, "error connecting") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)", session, err, out)
	}
	return nil
}

// KillServer stops the server and every session on it.
func (s *Server) KillServer() error {
	output, err := exec.Command("tmux", "-S", s.socketPath, "kill-server").CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if strings.Contains(out, "no server running") || strings.Contains(out, "server exited unexpectedly") ||
			strings.Contains(out, "error connecting") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, out)
	}
	return nil
}

// ResizeWindow sets the session window size.
func (s *Server) ResizeWindow(session string, cols, rows int) error {
	_, err := s.Run("resize-window", "-t", exact(session), "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// CapturePane returns the pane's history and visible content as text.
func (s *Server) CapturePane(session string) (string, error) {
	return s.Run("capture-pane", "-t", exact(session), "-p", "-S", "-", "-E", "-")
}

const (
	paneStatusRetryDelay = 50 * time.Millisecond
	paneStatusMaxRetries = 5
)

// PaneStatus reports whether the pane's command has exited and its exit
// code (128+signal for signal deaths). Requires remain-on-exit.
func (s *Server) PaneStatus(session string) (dead bool, exitCode int, err error) {
	for attempt := 0; ; attempt++ {
		output, err := s.Run("display-message", "-t", exact(session), "-p",
			"#{pane_dead} #{pane_dead_status} #{pane_dead_signal}")
		if err != nil {
			return false, 0, err
		}
		parts := strings.SplitN(strings.TrimRight(output, "\n"), " ", 3)
		if parts[0] == "" {
			return false, 0, fmt.Errorf("tmux: empty pane status")
		}
		if parts[0] == "0" {
			return false, 0, nil
		}
		if len(parts) >= 3 && parts[2] != "" {
			sig, err := strconv.Atoi(parts[2])
			if err != nil {
				return true, -1, fmt.Errorf("tmux: pane_dead_signal %q: %w", parts[2], err)
			}
			return true, 128 + sig, nil
		}
		if len(parts) >= 2 && parts[1] != "" {
			status, err := strconv.Atoi(parts[1])
			if err != nil {
				return true, -1, fmt.Errorf("tmux: pane_dead_status %q: %w", parts[1], err)
			}
			return true, status, nil
		}
		// tmux sets pane_dead before it records the status.
		if attempt >= paneStatusMaxRetries {
			return true, 0, nil
		}
		time.Sleep(paneStatusRetryDelay)
	}
}

// exact targets a session by exact name rather than prefix match.
func exact(session string) string { return "=" + session }
