// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/auth"
	"github.com/Hyper-Int/cmux/internal/browser"
	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/ptyserver"
	"github.com/Hyper-Int/cmux/internal/sshd"
	"github.com/Hyper-Int/cmux/internal/sshtunnel"
	"github.com/Hyper-Int/cmux/internal/ws"
)

// Server is the sandbox daemon's HTTP surface.
type Server struct {
	cfg       config.DaemonConfig
	tokens    *auth.TokenManager
	auth      *auth.Middleware
	files     *fs.Workspace
	ptys      *ptyserver.Manager
	browser   *browser.Browser
	ssh       *sshd.Server
	tunnel    *sshtunnel.Bridge
	upgrader  *websocket.Upgrader
	startedAt time.Time
	log       zerolog.Logger
}

// Deps are the components the server routes to. SSH may be nil when the
// SSH server could not start.
type Deps struct {
	Config  config.DaemonConfig
	Tokens  *auth.TokenManager
	PTYs    *ptyserver.Manager
	Browser *browser.Browser
	SSH     *sshd.Server
	Logger  zerolog.Logger
}

func NewServer(d Deps) *Server {
	policy := ws.NewOriginPolicy(d.Config.AllowedOrigins)
	return &Server{
		cfg:       d.Config,
		tokens:    d.Tokens,
		auth:      auth.NewMiddleware(d.Tokens, d.Logger),
		files:     fs.NewWorkspace(d.Config.FilesRoot),
		ptys:      d.PTYs,
		browser:   d.Browser,
		ssh:       d.SSH,
		tunnel:    sshtunnel.NewBridge(d.Config.SSHAddr, policy, d.Logger),
		upgrader:  ws.NewUpgrader(policy, false),
		startedAt: time.Now(),
		log:       logging.For(d.Logger, "daemon"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := s.auth.RequireAuthFunc

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /auth-token", s.loopbackOnly(s.handleAuthToken))
	mux.HandleFunc("POST /auth-token/rotate", s.loopbackOnly(s.handleRotateToken))
	mux.HandleFunc("GET /_cmux/auth", s.handleCookieAuth)

	mux.HandleFunc("POST /exec", protect(s.handleExec))
	mux.HandleFunc("POST /read-file", protect(s.handleReadFile))
	mux.HandleFunc("POST /write-file", protect(s.handleWriteFile))
	mux.HandleFunc("POST /delete-file", protect(s.handleDeleteFile))
	mux.HandleFunc("POST /list-files", protect(s.handleListFiles))
	mux.HandleFunc("POST /sync-upload", protect(s.handleSyncUpload))
	mux.HandleFunc("POST /sync-download", protect(s.handleSyncDownload))
	mux.HandleFunc("POST /sync-tar", protect(s.handleSyncTar))

	mux.HandleFunc("GET /status", protect(s.handleStatus))
	mux.HandleFunc("GET /metrics", protect(s.handleMetrics))
	mux.HandleFunc("GET /services", protect(s.handleServices))
	mux.HandleFunc("GET /cdp-info", protect(s.handleCDPInfo))
	mux.HandleFunc("POST /browser-agent", protect(s.handleBrowserAgent))
	mux.HandleFunc("GET /screenshot", protect(s.handleScreenshot))
	mux.HandleFunc("GET /snapshot", protect(s.handleSnapshot))
	verbs := s.browserVerbs()
	for verb, h := range verbs {
		mux.HandleFunc("POST /"+verb, protect(h))
	}
	mux.HandleFunc("GET /url", protect(verbs["url"]))
	mux.HandleFunc("GET /title", protect(verbs["title"]))

	mux.HandleFunc("GET /pty", protect(s.handlePTY))
	mux.Handle("GET /ssh", s.auth.RequireAuth(s.tunnel))
	mux.Handle("/pty-server/", s.auth.RequireAuth(http.StripPrefix("/pty-server", s.ptys.Handler(s.upgrader))))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, fmt.Errorf("%w: no route for %s %s", errdefs.ErrNotFound, r.Method, r.URL.Path))
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsLoopback(r) {
			httpx.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "local requests only"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Token()
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Rotate()
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.log.Info().Msg("auth token rotated on request")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleCookieAuth trades a token query parameter for the auth cookie and
// redirects to a local path.
func (s *Server) handleCookieAuth(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := s.tokens.Check(token); err != nil {
		httpx.WriteError(w, err)
		return
	}
	auth.SetCookie(w, token, r.TLS != nil)
	http.Redirect(w, r, safeReturn(r.URL.Query().Get("return")), http.StatusFound)
}

// safeReturn allows only same-origin paths.
func safeReturn(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}
