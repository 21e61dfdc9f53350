// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command worker runs on each sandbox node. It keeps the management channel
// to the orchestrator and owns the node's terminals, file watches and cloud
// syncs.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Hyper-Int/cmux/internal/auth"
	"github.com/Hyper-Int/cmux/internal/channel"
	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/cloudsync"
	"github.com/Hyper-Int/cmux/internal/completion"
	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/docker"
	"github.com/Hyper-Int/cmux/internal/echo"
	"github.com/Hyper-Int/cmux/internal/eventqueue"
	"github.com/Hyper-Int/cmux/internal/filewatch"
	"github.com/Hyper-Int/cmux/internal/gitconfig"
	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/ptyserver"
	"github.com/Hyper-Int/cmux/internal/terminal"
	"github.com/Hyper-Int/cmux/internal/tmux"
	"github.com/Hyper-Int/cmux/internal/ws"
)

const shutdownGrace = 15 * time.Second

type flags struct {
	configPath      string
	listen          string
	orchestratorURL string
	workerID        string
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Node worker: management channel, terminals, file watch and cloud sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", os.Getenv("CMUX_WORKER_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&f.listen, "listen", "", "address serving /management")
	cmd.Flags().StringVar(&f.orchestratorURL, "orchestrator-url", "", "websocket URL to dial out to")
	cmd.Flags().StringVar(&f.workerID, "worker-id", "", "worker id sent in worker:register")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func loadConfig(cmd *cobra.Command, f flags) (config.WorkerConfig, error) {
	cfg, err := config.LoadWorker(f.configPath)
	if err != nil {
		return cfg, err
	}
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.ListenAddr = f.listen
	}
	if set("orchestrator-url") {
		cfg.OrchestratorURL = f.orchestratorURL
	}
	if set("worker-id") {
		cfg.WorkerID = f.workerID
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()
	}
	return cfg, cfg.Validate()
}

// Worker is the assembled node worker.
type Worker struct {
	cfg       config.WorkerConfig
	channel   *channel.Channel
	terminals *terminal.Manager
	watches   *filewatch.Manager
	syncs     *cloudsync.Manager
	tokens    *auth.TokenManager
	written   *echo.Table
	shutdown  chan struct{}
	log       zerolog.Logger
}

// NewWorker wires every component. clk may be nil.
func NewWorker(cfg config.WorkerConfig, clk clock.Clock, base zerolog.Logger) (*Worker, error) {
	if clk == nil {
		clk = clock.Real()
	}
	log := logging.For(base, "worker")

	tokens, err := auth.NewTokenManager(cfg.Auth, base)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	home, _ := os.UserHomeDir()

	tmuxServer, err := tmux.EnsureConfig(
		filepath.Join(cfg.StateDir, "tmux", "cmux.sock"),
		filepath.Join(cfg.StateDir, "tmux", "tmux.conf"),
	)
	if err != nil {
		return nil, err
	}
	if !tmux.Available() {
		log.Warn().Msg("tmux not found; tmux-backed terminals will fail to start")
	}

	w := &Worker{cfg: cfg, tokens: tokens, shutdown: make(chan struct{}), log: log}
	var handler *Handler
	w.channel = channel.New(channel.Options{
		Identity: protocol.WorkerIdentity{
			WorkerID: cfg.WorkerID,
			Capabilities: protocol.Capabilities{
				MaxConcurrentTerminals: cfg.Capabilities.MaxConcurrentTerminals,
				SupportedLanguages:     cfg.Capabilities.SupportedLanguages,
				MemoryMB:               cfg.Capabilities.MemoryMB,
				CPUCores:               cfg.Capabilities.CPUCores,
			},
			ContainerInfo: protocol.ContainerInfo{
				Image:    cfg.Container.Image,
				Version:  cfg.Container.Version,
				Platform: cfg.Container.Platform,
			},
		},
		Handler: channel.HandlerFunc(func(ctx context.Context, msg protocol.Message) (any, error) {
			return handler.HandleMessage(ctx, msg)
		}),
		Queue:             eventqueue.New(cfg.QueueTTL, clk, base),
		Clock:             clk,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		ActiveTerminals:   func() int { return w.terminals.Count() },
		Upgrader:          ws.NewUpgrader(ws.NewOriginPolicy(nil), true),
		Logger:            base,
	})

	var ptyBackend terminal.Backend
	if cfg.PTYServerURL != "" {
		ptyBackend = terminal.NewPtyBackend(ptyserver.NewClient(cfg.PTYServerURL, tokens.Token, clk), base)
	}
	w.terminals = terminal.NewManager(terminal.Options{
		Tmux:    terminal.NewTmuxBackend(tmuxServer, cfg.PostStartTimeout, base),
		PTY:     ptyBackend,
		Emitter: w.channel,
		Detectors: completion.DefaultRegistry(completion.Options{
			LifecycleDir:     cfg.LifecycleDir,
			CodexSessionsDir: cfg.CodexSessionsDir,
			IdleTimeout:      cfg.IdleTimeout,
			Clock:            clk,
		}),
		Clock:  clk,
		Home:   home,
		Logger: base,
	})

	// Records never expire; each write replaces the previous one.
	w.written = echo.NewTable(0, clk)
	w.watches = filewatch.NewManager(w.written, clk, w.channel.Emit, base)
	w.syncs = cloudsync.NewManager(clk, w.channel.Emit, base)

	handler = NewHandler(HandlerDeps{
		Terminals:    w.terminals,
		Watches:      w.watches,
		Syncs:        w.syncs,
		Git:          gitconfig.New(home, base),
		Docker:       docker.NewChecker("", base),
		Echo:         w.written,
		Home:         home,
		MaxTerminals: cfg.Capabilities.MaxConcurrentTerminals,
		Shutdown:     w.requestShutdown,
		Logger:       base,
	})
	return w, nil
}

func (w *Worker) requestShutdown() {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
}

// ShutdownRequested is closed after worker:shutdown.
func (w *Worker) ShutdownRequested() <-chan struct{} { return w.shutdown }

// requireManagementToken accepts the configured management token, or the
// node's auth token when none is configured.
func (w *Worker) requireManagementToken(next http.HandlerFunc) http.HandlerFunc {
	if w.cfg.ManagementToken == "" {
		return auth.NewMiddleware(w.tokens, w.log).RequireAuthFunc(next)
	}
	want := []byte(w.cfg.ManagementToken)
	return func(rw http.ResponseWriter, r *http.Request) {
		got, source := auth.TokenFromRequest(r)
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.log.Debug().Str("source", source).Str("token", logging.RedactToken(got)).Msg("rejected management request")
			httpx.WriteJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid management token"})
			return
		}
		next(rw, r)
	}
}

// Handler serves /management plus read-only views of the terminals.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, map[string]any{
			"status":    "ok",
			"workerId":  w.cfg.WorkerID,
			"connected": w.channel.Connected(),
			"terminals": w.terminals.Count(),
		})
	})
	mux.HandleFunc("GET /management", w.requireManagementToken(w.channel.HandleUpgrade))
	mux.HandleFunc("GET /terminals", w.requireManagementToken(func(rw http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, map[string]any{"terminals": w.terminals.List()})
	}))
	mux.HandleFunc("GET /terminals/{id}/screen", w.requireManagementToken(func(rw http.ResponseWriter, r *http.Request) {
		text, err := w.terminals.Snapshot(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(rw, err)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.Write([]byte(text))
	}))
	return mux
}

// Close stops every background component.
func (w *Worker) Close(ctx context.Context) {
	w.watches.StopAll()
	w.syncs.StopAll()
	w.terminals.Shutdown(ctx)
}

func run(ctx context.Context, cfg config.WorkerConfig) error {
	base := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	w, err := NewWorker(cfg, nil, base)
	if err != nil {
		return err
	}
	log := w.log

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.ShutdownRequested():
			cancel()
		case <-ctx.Done():
		}
	}()

	go w.channel.Run(ctx)
	if cfg.OrchestratorURL != "" {
		go w.channel.DialLoop(ctx, cfg.OrchestratorURL, cfg.ManagementToken)
	}

	var httpServer *http.Server
	errCh := make(chan error, 1)
	if cfg.ListenAddr != "" {
		httpServer = &http.Server{Addr: cfg.ListenAddr, Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.ListenAddr).Str("worker", cfg.WorkerID).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		runErr = fmt.Errorf("http server: %w", runErr)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}
	w.Close(shutdownCtx)
	log.Info().Msg("stopped")
	return runErr
}
