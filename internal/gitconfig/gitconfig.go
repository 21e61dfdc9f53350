// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package gitconfig applies worker:configure-git: global git settings,
// GitHub credentials and SSH keys for the session user.
package gitconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/execx"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

const gitTimeout = 30 * time.Second

// Configurer writes git configuration under one home directory.
type Configurer struct {
	home string
	log  zerolog.Logger
}

// New returns a Configurer for home.
func New(home string, log zerolog.Logger) *Configurer {
	return &Configurer{home: home, log: log}
}

// Apply runs every part of req. A failing part does not stop the others;
// all failures are joined into the returned error.
func (c *Configurer) Apply(ctx context.Context, req *protocol.ConfigureGit) error {
	var errs []error

	keys := make([]string, 0, len(req.GitConfig))
	for k := range req.GitConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.git(ctx, "config", "--global", k, req.GitConfig[k]); err != nil {
			errs = append(errs, fmt.Errorf("git config %s: %w", k, err))
		}
	}

	if req.GithubToken != "" {
		if err := c.writeCredentials(ctx, req.GithubToken); err != nil {
			errs = append(errs, err)
		}
	}
	if req.SSHKeys != nil {
		if err := c.writeSSHKeys(req.SSHKeys); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn().Err(err).Msg("configure-git finished with errors")
	} else {
		c.log.Info().Int("settings", len(keys)).Bool("token", req.GithubToken != "").
			Bool("sshKeys", req.SSHKeys != nil).Msg("git configured")
	}
	return err
}

func (c *Configurer) git(ctx context.Context, args ...string) error {
	res, err := execx.Run(ctx, execx.Cmd{
		Name:    "git",
		Args:    args,
		Env:     map[string]string{"HOME": c.home},
		Timeout: gitTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// writeCredentials stores the token for the git credential store helper.
func (c *Configurer) writeCredentials(ctx context.Context, token string) error {
	line := fmt.Sprintf("https://x-access-token:%s@github.com\n", token)
	if err := os.WriteFile(filepath.Join(c.home, ".git-credentials"), []byte(line), 0o600); err != nil {
		return fmt.Errorf("git credentials: %w", err)
	}
	if err := c.git(ctx, "config", "--global", "credential.helper", "store"); err != nil {
		return fmt.Errorf("credential helper: %w", err)
	}
	return nil
}

func keyName(publicKey string) string {
	switch {
	case strings.HasPrefix(publicKey, "ssh-rsa"):
		return "id_rsa"
	case strings.HasPrefix(publicKey, "ecdsa-"):
		return "id_ecdsa"
	default:
		return "id_ed25519"
	}
}

func (c *Configurer) writeSSHKeys(keys *protocol.SSHKeys) error {
	dir := filepath.Join(c.home, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ssh dir: %w", err)
	}
	name := keyName(keys.PublicKey)
	var errs []error
	write := func(file, content string, mode os.FileMode) {
		if content == "" {
			return
		}
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, []byte(content), mode); err != nil {
			errs = append(errs, fmt.Errorf("ssh %s: %w", file, err))
			return
		}
		os.Chmod(path, mode)
	}
	write(name, keys.PrivateKey, 0o600)
	write(name+".pub", keys.PublicKey, 0o644)
	write("known_hosts", keys.KnownHosts, 0o644)
	return errors.Join(errs...)
}
