// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/ptyserver"
	"github.com/Hyper-Int/cmux/internal/ws"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// ptyFrame is the JSON frame used on /pty in both directions.
type ptyFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Code     *int   `json:"code,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

func queryInt(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}

// handlePTY starts a shell for the lifetime of one websocket. The session
// lives in the PTY server's manager, so it also shows up under
// /pty-server/sessions while connected.
func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shell := q.Get("shell")
	if shell == "" {
		shell = s.cfg.Shell
	}
	info, err := s.ptys.Create(ptyserver.CreateRequest{
		Shell: shell,
		Cwd:   q.Get("cwd"),
		Env:   map[string]string{"TERM": "xterm-256color"},
		Cols:  queryInt(r, "cols", defaultCols),
		Rows:  queryInt(r, "rows", defaultRows),
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	log := s.log.With().Str("session", info.ID).Logger()
	defer func() {
		if err := s.ptys.Delete(info.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			log.Warn().Err(err).Msg("delete pty session")
		}
	}()

	hub, err := s.ptys.Hub(info.ID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("pty upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	out, ok := hub.Subscribe(true)
	if !ok {
		conn.CloseWith(websocket.CloseNormalClosure, "session exited")
		return
	}
	defer hub.Unsubscribe(out)

	if err := conn.WriteJSON(ptyFrame{Type: "session", ID: info.ID, Fallback: info.Fallback}); err != nil {
		return
	}
	log.Info().Bool("fallback", info.Fallback).Msg("pty attached")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Terminals stay attached while idle; a peer that ignores pings is kept.
	go conn.Heartbeat(ctx)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in ptyFrame
			if err := json.Unmarshal(data, &in); err != nil {
				log.Debug().Err(err).Msg("ignoring malformed pty frame")
				continue
			}
			switch in.Type {
			case "data":
				if _, err := hub.Write([]byte(in.Data)); err != nil {
					return
				}
			case "resize":
				if err := s.ptys.Resize(info.ID, in.Cols, in.Rows); err != nil {
					log.Debug().Err(err).Msg("resize rejected")
				}
			}
		}
	}()

	for {
		select {
		case msg, open := <-out:
			if !open {
				conn.CloseWith(websocket.CloseNormalClosure, "session exited")
				return
			}
			var err error
			if msg.IsBinary {
				err = conn.WriteJSON(ptyFrame{Type: "data", Data: string(msg.Data)})
			} else {
				// Control events from the hub are already JSON frames.
				err = conn.WriteMessage(websocket.TextMessage, msg.Data)
			}
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
