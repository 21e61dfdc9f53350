// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pty starts processes on pseudo-terminals and fans their output out
// to subscribers.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// Options describes the process to start.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env  []string
	Cols uint16
	Rows uint16
	// Credential, when set, runs the process as another user.
	Credential *syscall.Credential
}

// PTY is a process attached to a terminal. When started through the script
// fallback it is attached to pipes instead, and Resize is a no-op.
type PTY struct {
	ID string

	file   *os.File
	reader io.Reader
	writer io.Writer
	cmd    *exec.Cmd

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	exitCode int
	waitErr  error
}

func command(opts Options) *exec.Cmd {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)
	if opts.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: opts.Credential}
	}
	return cmd
}

// Start runs the command on a new pseudo-terminal.
func Start(opts Options) (*PTY, error) {
	if opts.Command == "" {
		opts.Command = DefaultShell()
	}
	cmd := command(opts)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrSpawn, opts.Command, err)
	}
	p := &PTY{
		ID:     uuid.New().String(),
		file:   ptmx,
		reader: ptmx,
		writer: ptmx,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// StartScript runs the command under `script -qfc ... /dev/null`, which
// allocates its own terminal. It is the fallback for hosts where opening
// /dev/ptmx from this process fails.
func StartScript(opts Options) (*PTY, error) {
	if opts.Command == "" {
		opts.Command = DefaultShell()
	}
	line := shellQuote(append([]string{opts.Command}, opts.Args...))
	cmd := command(Options{
		Command:    "script",
		Args:       []string{"-qfc", line, "/dev/null"},
		Dir:        opts.Dir,
		Env:        append(opts.Env, fmt.Sprintf("COLUMNS=%d", opts.Cols), fmt.Sprintf("LINES=%d", opts.Rows)),
		Credential: opts.Credential,
	})

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: script stdin: %v", errdefs.ErrSpawn, err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: script: %v", errdefs.ErrSpawn, err)
	}

	p := &PTY{
		ID:     uuid.New().String(),
		reader: pr,
		writer: stdin,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go func() {
		p.wait()
		pw.Close()
	}()
	return p, nil
}

// StartWithFallback tries a native pty first and falls back to script.
func StartWithFallback(opts Options) (*PTY, bool, error) {
	p, err := Start(opts)
	if err == nil {
		return p, false, nil
	}
	if _, lookErr := exec.LookPath("script"); lookErr != nil {
		return nil, false, err
	}
	p, scriptErr := StartScript(opts)
	if scriptErr != nil {
		return nil, false, errors.Join(err, scriptErr)
	}
	return p, true, nil
}

func (p *PTY) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.exitCode = exitCode(p.cmd.ProcessState, err)
	p.mu.Unlock()
	close(p.done)
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Read reads terminal output.
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	r := p.reader
	p.mu.Unlock()
	return r.Read(buf)
}

// Write sends input to the process.
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	w := p.writer
	p.mu.Unlock()
	return w.Write(data)
}

// Resize changes the window size.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	if p.file == nil {
		return nil
	}
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal sends sig to the process.
func (p *PTY) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Pid returns the process id.
func (p *PTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close kills the process and releases the terminal. Idempotent.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	if p.file != nil {
		return p.file.Close()
	}
	if c, ok := p.writer.(io.Closer); ok {
		c.Close()
	}
	if c, ok := p.reader.(io.Closer); ok {
		c.Close()
	}
	return nil
}

// Done is closed when the process exits.
func (p *PTY) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done is closed. Death by signal is reported as
// 128+signal.
func (p *PTY) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// shellQuote joins words into one sh-safe command line.
func shellQuote(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		if w != "" && strings.IndexFunc(w, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@", r))
		}) < 0 {
			quoted[i] = w
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(w, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
