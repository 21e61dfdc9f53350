// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sshd is the sandbox's SSH server. The username is the bearer
// token: `ssh <token>@host` is the whole login. Every accepted connection
// runs its shells, commands and SFTP as one fixed local user.
package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/pty"
)

// TokenChecker validates the current bearer token. The check runs on every
// login so a rotated token is refused at once.
type TokenChecker interface {
	Check(token string) error
}

// Options configures a Server.
type Options struct {
	HostKeyPath string
	// User is the local account sessions run as.
	User   string
	Shell  string
	Tokens TokenChecker
	Logger zerolog.Logger
}

// account is the resolved fixed user.
type account struct {
	name string
	home string
	cred *syscall.Credential
}

// Server accepts SSH connections.
type Server struct {
	config  *ssh.ServerConfig
	account account
	shell   string
	log     zerolog.Logger

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*ssh.ServerConn]struct{}
	wg        sync.WaitGroup
	accepting bool
}

// New loads or creates the host key and resolves the session user.
func New(opts Options) (*Server, error) {
	if opts.Tokens == nil {
		return nil, errors.New("sshd: token checker is required")
	}
	acct, err := lookupAccount(opts.User)
	if err != nil {
		return nil, err
	}
	signer, err := loadHostKey(opts.HostKeyPath)
	if err != nil {
		return nil, err
	}
	shell := opts.Shell
	if shell == "" {
		shell = pty.DefaultShell()
	}
	s := &Server{
		account: acct,
		shell:   shell,
		log:     logging.For(opts.Logger, "sshd"),
		conns:   make(map[*ssh.ServerConn]struct{}),
	}

	check := func(meta ssh.ConnMetadata) (*ssh.Permissions, error) {
		if err := opts.Tokens.Check(meta.User()); err != nil {
			s.log.Info().Str("remote", meta.RemoteAddr().String()).
				Str("token", logging.RedactToken(meta.User())).Msg("rejected login")
			return nil, err
		}
		return &ssh.Permissions{}, nil
	}
	s.config = &ssh.ServerConfig{
		NoClientAuth:         true,
		NoClientAuthCallback: check,
		// Clients that insist on a password or key still log in by token.
		PasswordCallback: func(meta ssh.ConnMetadata, _ []byte) (*ssh.Permissions, error) {
			return check(meta)
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return check(meta)
		},
		MaxAuthTries:  3,
		ServerVersion: "SSH-2.0-cmux",
	}
	s.config.AddHostKey(signer)
	return s, nil
}

func lookupAccount(name string) (account, error) {
	var u *user.User
	var err error
	if name == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil {
		return account{}, fmt.Errorf("sshd: session user: %w", err)
	}
	acct := account{name: u.Username, home: u.HomeDir}
	uid, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)
	if int(uid) != os.Getuid() {
		acct.cred = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	return acct, nil
}

// loadHostKey reads an OpenSSH private key, generating an ed25519 key at
// path on first start.
func loadHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return generateHostKey()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("sshd: parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("sshd: read host key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "cmux host key")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sshd: host key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshd: write host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func generateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// Serve accepts connections on ln until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.accepting = true
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Str("user", s.account.name).Msg("ssh server listening")

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			accepting := s.accepting
			s.mu.Unlock()
			if !accepting {
				return nil
			}
			return fmt.Errorf("%w: ssh accept: %v", errdefs.ErrTransport, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshd: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listening reports whether Serve is accepting connections.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// Close stops accepting, drops open connections and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	ln := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("ssh handshake failed")
		nc.Close()
		return
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("ssh connection")
	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("accept channel")
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			newSession(s, ch, log).serve(requests)
		}()
	}
	sessions.Wait()
	log.Info().Msg("ssh connection closed")
}
