// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package execx runs commands in their own process group with an optional
// timeout. A non-zero exit is returned as data in Result, never as an error.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// KillGrace is how long a timed-out process group has between SIGTERM and
// SIGKILL.
const KillGrace = 5 * time.Second

// MaxOutputBytes caps captured stdout and stderr each.
const MaxOutputBytes = 10 << 20

// Cmd describes a command to run.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   []byte
	Timeout time.Duration
}

// Shell returns a Cmd that runs line with sh -c.
func Shell(line string) Cmd {
	return Cmd{Name: "sh", Args: []string{"-c", line}}
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Run executes c. It returns an error wrapping errdefs.ErrSpawn when the
// process cannot start and errdefs.ErrTimeout when the timeout fires; the
// partial output is still returned in the latter case.
func Run(ctx context.Context, c Cmd) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	Terminable(cmd)

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = exitCode(cmd.ProcessState)
	}

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() == context.DeadlineExceeded && c.Timeout > 0:
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s after %s", errdefs.ErrTimeout, c.Name, c.Timeout)
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, nil
	}
	return Result{ExitCode: -1}, fmt.Errorf("%w: %s: %v", errdefs.ErrSpawn, c.Name, err)
}

// Terminable puts cmd in its own process group and makes context
// cancellation SIGTERM the whole group, escalating to SIGKILL after
// KillGrace.
func Terminable(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		go func() {
			time.Sleep(KillGrace)
			_ = unix.Kill(pgid, unix.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = KillGrace + time.Second
}

// StartDetached starts cmd in a new session so it outlives the caller's
// terminal, and returns without waiting.
func StartDetached(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", errdefs.ErrSpawn, cmd.Path, err)
	}
	return nil
}

// MergeEnv overlays extra onto base in KEY=VALUE form. Later keys win;
// the extra keys are appended in sorted order.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := cutEnv(kv)
		if _, overridden := extra[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func cutEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

func exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
