// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/pty"
	"github.com/Hyper-Int/cmux/internal/ptyserver"
	"github.com/Hyper-Int/cmux/internal/ws"
)

// PtyBackend runs sessions on the PTY server. Startup and post-start
// commands are typed into the shell, so they have no exit codes of their
// own.
type PtyBackend struct {
	client *ptyserver.Client
	log    zerolog.Logger
}

// NewPtyBackend creates a backend using client.
func NewPtyBackend(client *ptyserver.Client, log zerolog.Logger) *PtyBackend {
	return &PtyBackend{client: client, log: logging.For(log, "pty-backend")}
}

func (b *PtyBackend) Name() string { return protocol.BackendPTY }

// Healthy reports whether the PTY server is reachable (cached).
func (b *PtyBackend) Healthy(ctx context.Context) bool { return b.client.Healthy(ctx) }

func (b *PtyBackend) Start(ctx context.Context, launch LaunchOptions, cb Callbacks) (Handle, error) {
	env := make(map[string]string, len(launch.Env))
	for _, kv := range launch.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	info, err := b.client.Create(ctx, ptyserver.CreateRequest{
		ID:    launch.TerminalID,
		Shell: launch.Command,
		Args:  launch.Args,
		Cwd:   launch.Cwd,
		Env:   env,
		Cols:  launch.Cols,
		Rows:  launch.Rows,
	})
	if err != nil {
		return nil, err
	}
	conn, err := b.client.Stream(context.Background(), info.ID, true)
	if err != nil {
		b.client.Delete(ctx, info.ID)
		return nil, err
	}

	h := &ptyHandle{backend: b, id: info.ID, conn: conn}
	go h.readLoop(cb)
	b.log.Info().Str("terminal", launch.TerminalID).Int("pid", info.Pid).Msg("pty session started")
	return h, nil
}

type ptyHandle struct {
	backend  *PtyBackend
	id       string
	conn     *ws.Conn
	exitOnce sync.Once
}

func (h *ptyHandle) readLoop(cb Callbacks) {
	code := -1
	defer func() {
		h.conn.Close()
		h.exitOnce.Do(func() {
			if cb.OnExit != nil {
				cb.OnExit(code)
			}
		})
	}()
	for {
		kind, data, err := h.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				h.backend.log.Debug().Err(err).Str("terminal", h.id).Msg("pty stream ended")
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if cb.OnOutput != nil {
				cb.OnOutput(data)
			}
		case websocket.TextMessage:
			var exit pty.ExitEvent
			if json.Unmarshal(data, &exit) == nil && exit.Type == "exit" {
				code = exit.Code
			}
		}
	}
}

func (h *ptyHandle) Write(ctx context.Context, data []byte) error {
	return h.backend.client.Input(ctx, h.id, string(data))
}

func (h *ptyHandle) Resize(ctx context.Context, cols, rows int) error {
	return h.backend.client.Resize(ctx, h.id, cols, rows)
}

func (h *ptyHandle) Close(ctx context.Context) error {
	return h.backend.client.Delete(ctx, h.id)
}

func (h *ptyHandle) RunStartup(ctx context.Context, commands []string) error {
	for _, c := range commands {
		if err := h.backend.client.Input(ctx, h.id, c+"\n"); err != nil {
			return fmt.Errorf("startup command %q: %w", c, err)
		}
	}
	return nil
}

func (h *ptyHandle) RunPostStart(ctx context.Context, commands []protocol.PostStartCommand) []CommandFailure {
	var failures []CommandFailure
	for _, c := range commands {
		if err := h.backend.client.Input(ctx, h.id, c.Command+"\n"); err != nil {
			failures = append(failures, CommandFailure{Command: c.Command, Err: err})
			if !c.ContinueOnError {
				break
			}
		}
	}
	return failures
}
