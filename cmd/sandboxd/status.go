// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/debug"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/execx"
	"github.com/Hyper-Int/cmux/internal/httpx"
)

const (
	serviceDialTimeout = time.Second
	browserAgentLimit  = 10 * time.Minute
)

type statusResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	BootID           string  `json:"bootId"`
	PTYSessions      int     `json:"ptySessions"`
	SSHListening     bool    `json:"sshListening"`
	SSHTunnels       int     `json:"sshTunnels"`
	BrowserConnected bool    `json:"browserConnected"`
	BrowserEndpoint  string  `json:"browserEndpoint"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
		BootID:           s.tokens.BootID(),
		PTYSessions:      s.ptys.Count(),
		SSHListening:     s.ssh != nil && s.ssh.Listening(),
		SSHTunnels:       s.tunnel.Active(),
		BrowserConnected: s.browser.Connected(),
		BrowserEndpoint:  s.browser.Endpoint(),
	})
}

type metricsResponse struct {
	debug.Stats
	UptimeMs    int64 `json:"uptimeMs"`
	PTYSessions int   `json:"ptySessions"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, metricsResponse{
		Stats:       debug.Collect(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		PTYSessions: s.ptys.Count(),
	})
}

type serviceStatus struct {
	config.Service
	Alive bool `json:"alive"`
}

// handleServices dials every configured port on loopback concurrently.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	out := make([]serviceStatus, len(s.cfg.Services))
	var wg sync.WaitGroup
	for i, svc := range s.cfg.Services {
		out[i].Service = svc
		wg.Add(1)
		go func(i int, port int) {
			defer wg.Done()
			d := net.Dialer{Timeout: serviceDialTimeout}
			conn, err := d.DialContext(r.Context(), "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err == nil {
				conn.Close()
				out[i].Alive = true
			}
		}(i, svc.Port)
	}
	wg.Wait()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) handleCDPInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.browser.Info(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

type browserAgentRequest struct {
	Prompt string `json:"prompt"`
}

// handleBrowserAgent runs the configured agent command with the prompt and
// the browser endpoint in its environment.
func (s *Server) handleBrowserAgent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BrowserAgentCommand == "" {
		httpx.WriteError(w, fmt.Errorf("%w: no browser agent configured", errdefs.ErrNotFound))
		return
	}
	var req browserAgentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Prompt == "" {
		httpx.WriteError(w, fmt.Errorf("%w: prompt is required", errdefs.ErrValidation))
		return
	}

	cmd := execx.Shell(s.cfg.BrowserAgentCommand)
	cmd.Env = map[string]string{
		"CMUX_BROWSER_PROMPT": req.Prompt,
		"CDP_URL":             s.browser.Endpoint(),
	}
	cmd.Stdin = []byte(req.Prompt)
	cmd.Timeout = browserAgentLimit

	s.log.Info().Int("prompt_len", len(req.Prompt)).Msg("running browser agent")
	res, err := execx.Run(r.Context(), cmd)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, execResponse{Result: res})
	case errors.Is(err, errdefs.ErrTimeout):
		httpx.WriteJSON(w, http.StatusOK, execResponse{Result: res, Error: err.Error()})
	default:
		httpx.WriteError(w, err)
	}
}
