// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/cloudsync"
	"github.com/Hyper-Int/cmux/internal/docker"
	"github.com/Hyper-Int/cmux/internal/echo"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/execx"
	"github.com/Hyper-Int/cmux/internal/filewatch"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/gitconfig"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/terminal"
)

// shutdownDelay gives the ack for worker:shutdown time to leave.
const shutdownDelay = 200 * time.Millisecond

// Handler answers management requests.
type Handler struct {
	terminals    *terminal.Manager
	watches      *filewatch.Manager
	syncs        *cloudsync.Manager
	git          *gitconfig.Configurer
	docker       *docker.Checker
	echo         *echo.Table
	home         string
	maxTerminals int
	shutdown     func()
	log          zerolog.Logger
}

// HandlerDeps are the components a Handler routes to.
type HandlerDeps struct {
	Terminals *terminal.Manager
	Watches   *filewatch.Manager
	Syncs     *cloudsync.Manager
	Git       *gitconfig.Configurer
	Docker    *docker.Checker
	// Echo records upload-files writes so the file watcher skips them.
	Echo         *echo.Table
	Home         string
	MaxTerminals int
	// Shutdown is called once after worker:shutdown is acknowledged.
	Shutdown func()
	Logger   zerolog.Logger
}

func NewHandler(d HandlerDeps) *Handler {
	if d.Shutdown == nil {
		d.Shutdown = func() {}
	}
	return &Handler{
		terminals:    d.Terminals,
		watches:      d.Watches,
		syncs:        d.Syncs,
		git:          d.Git,
		docker:       d.Docker,
		echo:         d.Echo,
		home:         d.Home,
		maxTerminals: d.MaxTerminals,
		shutdown:     d.Shutdown,
		log:          logging.For(d.Logger, "handler"),
	}
}

// HandleMessage dispatches on the message type. Every inbound event has a
// case here; protocol.Decode rejects anything else before it arrives.
func (h *Handler) HandleMessage(ctx context.Context, msg protocol.Message) (any, error) {
	switch m := msg.(type) {
	case *protocol.CreateTerminal:
		// The advertised capacity is advisory; the scheduler enforces it.
		if n := h.terminals.Count(); h.maxTerminals > 0 && n >= h.maxTerminals {
			h.log.Warn().Int("active", n).Int("max", h.maxTerminals).Str("terminal", m.TerminalID).Msg("creating terminal beyond advertised capacity")
		}
		return h.terminals.CreateTerminal(ctx, m)
	case *protocol.TerminalInput:
		return nil, h.terminals.Write(ctx, m.TerminalID, []byte(m.Data))
	case *protocol.ResizeTerminal:
		return nil, h.terminals.Resize(ctx, m.TerminalID, m.Cols, m.Rows)
	case *protocol.CloseTerminal:
		return nil, h.terminals.Close(ctx, m.TerminalID)
	case *protocol.UploadFiles:
		return h.uploadFiles(m), nil
	case *protocol.ConfigureGit:
		if err := h.git.Apply(ctx, m); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	case *protocol.Exec:
		return h.exec(ctx, m)
	case *protocol.StartFileWatch:
		if err := h.watches.Start(m.TaskRunID, m.WorktreePath); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	case *protocol.StopFileWatch:
		return nil, h.watches.Stop(m.TaskRunID)
	case *protocol.StartCloudSync:
		if err := h.syncs.Start(ctx, m); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	case *protocol.StopCloudSync:
		return nil, h.syncs.Stop(m.SyncID)
	case *protocol.RequestFullCloudSync:
		return nil, h.syncs.RequestFull(m.SyncID)
	case *protocol.CheckDocker:
		return h.docker.Check(ctx), nil
	case *protocol.Shutdown:
		h.log.Info().Msg("shutdown requested by orchestrator")
		time.AfterFunc(shutdownDelay, h.shutdown)
		return map[string]bool{"ok": true}, nil
	default:
		return nil, fmt.Errorf("%w: unhandled event %q", errdefs.ErrValidation, msg.Event())
	}
}

func (h *Handler) exec(ctx context.Context, m *protocol.Exec) (protocol.ExecResult, error) {
	cmd := execx.Cmd{Name: m.Command, Args: m.Args}
	if len(m.Args) == 0 {
		cmd = execx.Shell(m.Command)
	}
	cmd.Dir = terminal.ExpandHome(m.Cwd, h.home)
	cmd.Env = m.Env
	cmd.Timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	res, err := execx.Run(ctx, cmd)
	if err != nil {
		return protocol.ExecResult{}, err
	}
	return protocol.ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// uploadFiles applies each entry on its own; one failure never stops the
// rest.
func (h *Handler) uploadFiles(m *protocol.UploadFiles) errdefs.BatchResult {
	var res errdefs.BatchResult
	for _, f := range m.Files {
		dest := terminal.ExpandHome(f.DestinationPath, h.home)
		if err := h.applyUpload(dest, f); err != nil {
			h.log.Warn().Err(err).Str("path", dest).Msg("upload entry failed")
			res.Fail(f.DestinationPath, err)
			continue
		}
		res.Ok(f.DestinationPath)
	}
	if res.Partial() {
		h.log.Warn().Int("failed", len(res.Failed)).Int("succeeded", len(res.Succeeded)).Msg("upload-files partially failed")
	}
	return res
}

func (h *Handler) applyUpload(dest string, f protocol.UploadFile) error {
	if !filepath.IsAbs(dest) {
		return fmt.Errorf("%w: %q is not absolute", errdefs.ErrValidation, f.DestinationPath)
	}
	dest = filepath.Clean(dest)

	switch f.Action {
	case protocol.FileActionDelete:
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		h.echo.Forget(dest)
		return nil
	case "", protocol.FileActionWrite:
	default:
		return fmt.Errorf("%w: unknown action %q", errdefs.ErrValidation, f.Action)
	}

	data, err := base64.StdEncoding.DecodeString(f.ContentBase64)
	if err != nil {
		return fmt.Errorf("%w: content is not base64: %v", errdefs.ErrValidation, err)
	}
	mode, err := fs.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	// Recorded first so the watcher event for this write is already known.
	h.echo.Remember(dest, fs.HashBytes(data))
	if err := os.WriteFile(dest, data, mode); err != nil {
		h.echo.Forget(dest)
		return err
	}
	if err := os.Chmod(dest, mode); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
