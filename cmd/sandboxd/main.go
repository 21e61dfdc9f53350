// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command sandboxd is the daemon that runs inside every sandbox. It serves
// the file, exec, terminal and browser API over HTTP, the PTY server, and an
// SSH server reachable directly or through the /ssh websocket tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hyper-Int/cmux/internal/auth"
	"github.com/Hyper-Int/cmux/internal/browser"
	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/debug"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/ptyserver"
	"github.com/Hyper-Int/cmux/internal/sshd"
)

const shutdownGrace = 30 * time.Second

type flags struct {
	configPath string
	listen     string
	sshAddr    string
	filesRoot  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Sandbox daemon: files, exec, terminals, browser and SSH",
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
	cmd.Flags().StringVar(&f.configPath, "config", os.Getenv("CMUX_DAEMON_CONFIG"), "path to a YAML config file")
	cmd.Flags().StringVar(&f.listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.sshAddr, "ssh-addr", "", "SSH listen address")
	cmd.Flags().StringVar(&f.filesRoot, "files-root", "", "root of the file API")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, f flags) (config.DaemonConfig, error) {
	cfg, err := config.LoadDaemon(f.configPath)
	if err != nil {
		return cfg, err
	}
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.ListenAddr = f.listen
	}
	if set("ssh-addr") {
		cfg.SSHAddr = f.sshAddr
	}
	if set("files-root") {
		cfg.FilesRoot = f.filesRoot
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.DaemonConfig) error {
	base := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.For(base, "sandboxd")

	tokens, err := auth.NewTokenManager(cfg.Auth, base)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	ptys := ptyserver.NewManager(base)
	defer ptys.Shutdown()
	br := browser.New(fmt.Sprintf("http://127.0.0.1:%d", cfg.CDPPort), base)
	defer br.Close()

	ssh, err := sshd.New(sshd.Options{
		HostKeyPath: cfg.SSHHostKeyPath,
		User:        cfg.SSHUser,
		Shell:       cfg.Shell,
		Tokens:      tokens,
		Logger:      base,
	})
	if err != nil {
		log.Error().Err(err).Msg("ssh server disabled")
		ssh = nil
	} else {
		go func() {
			if err := ssh.ListenAndServe(ctx, cfg.SSHAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.SSHAddr).Msg("ssh server stopped")
			}
		}()
		defer ssh.Close()
	}

	mem := debug.NewMonitor(debug.DefaultConfig(), base)
	mem.Start()
	defer mem.Stop()
	go dumpStacksOnQuit(ctx, mem)

	srv := NewServer(Deps{Config: cfg, Tokens: tokens, PTYs: ptys, Browser: br, SSH: ssh, Logger: base})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("files_root", cfg.FilesRoot).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

// dumpStacksOnQuit writes every goroutine's stack to stderr on SIGQUIT.
func dumpStacksOnQuit(ctx context.Context, mem *debug.Monitor) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT)
	defer signal.Stop(quit)
	for {
		select {
		case <-quit:
			mem.Log("dump")
			mem.DumpGoroutines(os.Stderr)
		case <-ctx.Done():
			return
		}
	}
}
