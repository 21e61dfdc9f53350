// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ptyserver

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/pty"
	"github.com/Hyper-Int/cmux/internal/ws"
)

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Handler serves the PTY server API relative to its mount point. Auth is
// applied by the caller.
func (m *Manager) Handler(upgrader *websocket.Upgrader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": m.Count()})
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		info, err := m.Create(req)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, info)
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": m.List()})
	})
	mux.HandleFunc("POST /sessions/{id}/input", func(w http.ResponseWriter, r *http.Request) {
		var req inputRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		if err := m.Input(r.PathValue("id"), []byte(req.Data)); err != nil {
			httpx.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /sessions/{id}/resize", func(w http.ResponseWriter, r *http.Request) {
		var req resizeRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		if err := m.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
			httpx.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := m.Delete(r.PathValue("id")); err != nil {
			httpx.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /sessions/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		m.handleStream(w, r, upgrader)
	})
	return mux
}

// handleStream sends the scrollback followed by live output as binary
// frames and the exit event as a text frame. Binary frames from the client
// are written to the session as input.
func (m *Manager) handleStream(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) {
	hub, err := m.Hub(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	out, ok := hub.Subscribe(r.URL.Query().Get("replay") != "0")
	if !ok {
		conn.CloseWith(websocket.CloseNormalClosure, "session exited")
		return
	}
	defer hub.Unsubscribe(out)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.KeepAlive(ctx)
	go func() {
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				hub.Write(data)
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
			if err := writeHubMessage(conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeHubMessage(conn *ws.Conn, msg pty.HubMessage) error {
	if msg.IsBinary {
		return conn.WriteMessage(websocket.BinaryMessage, msg.Data)
	}
	return conn.WriteMessage(websocket.TextMessage, msg.Data)
}
