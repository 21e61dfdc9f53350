// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sshd

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/Hyper-Int/cmux/internal/pty"
)

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type envRequest struct {
	Name  string
	Value string
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type exitStatus struct {
	Status uint32
}

// session is one "session" channel: an optional pty, env, then exactly one
// of shell, exec or subsystem.
type session struct {
	srv *Server
	ch  ssh.Channel
	log zerolog.Logger

	mu      sync.Mutex
	env     []string
	ptyReq  *ptyRequest
	term    *pty.PTY
	proc    *os.Process
	started bool
}

func newSession(srv *Server, ch ssh.Channel, log zerolog.Logger) *session {
	return &session{srv: srv, ch: ch, log: log}
}

func (s *session) serve(requests <-chan *ssh.Request) {
	defer s.ch.Close()
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				s.kill()
				return
			}
			ok = s.handle(req, finish)
			if req.WantReply {
				req.Reply(ok, nil)
			}
		case <-done:
			return
		}
	}
}

func (s *session) handle(req *ssh.Request, finish func()) bool {
	switch req.Type {
	case "pty-req":
		var p ptyRequest
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			return false
		}
		s.mu.Lock()
		s.ptyReq = &p
		s.mu.Unlock()
		return true
	case "window-change":
		var w windowChange
		if err := ssh.Unmarshal(req.Payload, &w); err != nil {
			return false
		}
		s.mu.Lock()
		term := s.term
		if s.ptyReq != nil {
			s.ptyReq.Cols, s.ptyReq.Rows = w.Cols, w.Rows
		}
		s.mu.Unlock()
		if term != nil {
			term.Resize(uint16(w.Cols), uint16(w.Rows))
		}
		return true
	case "env":
		var e envRequest
		if err := ssh.Unmarshal(req.Payload, &e); err != nil {
			return false
		}
		s.mu.Lock()
		s.env = append(s.env, e.Name+"="+e.Value)
		s.mu.Unlock()
		return true
	case "shell":
		return s.start(nil, finish)
	case "exec":
		var e execRequest
		if err := ssh.Unmarshal(req.Payload, &e); err != nil {
			return false
		}
		return s.start([]string{"-c", e.Command}, finish)
	case "subsystem":
		var sub subsystemRequest
		if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
			return false
		}
		if !s.begin() {
			return false
		}
		go func() {
			defer finish()
			s.serveSFTP()
		}()
		return true
	default:
		return false
	}
}

// begin claims the session for its one program.
func (s *session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *session) baseEnv() []string {
	acct := s.srv.account
	env := []string{"HOME=" + acct.home, "USER=" + acct.name, "LOGNAME=" + acct.name, "SHELL=" + s.srv.shell}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(env, s.env...)
}

func (s *session) start(args []string, finish func()) bool {
	if !s.begin() {
		return false
	}
	s.mu.Lock()
	req := s.ptyReq
	s.mu.Unlock()

	if req != nil {
		if args == nil {
			args = []string{"-l"}
		}
		env := s.baseEnv()
		if req.Term != "" {
			env = append(env, "TERM="+req.Term)
		}
		term, err := pty.Start(pty.Options{
			Command:    s.srv.shell,
			Args:       args,
			Dir:        s.srv.account.home,
			Env:        env,
			Cols:       uint16(req.Cols),
			Rows:       uint16(req.Rows),
			Credential: s.srv.account.cred,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("ssh pty session")
			return false
		}
		s.mu.Lock()
		s.term = term
		s.mu.Unlock()
		go func() {
			defer finish()
			s.runPTY(term)
		}()
		return true
	}

	cmd := exec.Command(s.srv.shell, args...)
	cmd.Dir = s.srv.account.home
	cmd.Env = append(os.Environ(), s.baseEnv()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false
	}
	cmd.Stdout = s.ch
	cmd.Stderr = s.ch.Stderr()
	if s.srv.account.cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: s.srv.account.cred}
	}
	if err := cmd.Start(); err != nil {
		s.log.Warn().Err(err).Msg("ssh exec")
		return false
	}
	s.mu.Lock()
	s.proc = cmd.Process
	s.mu.Unlock()
	go func() {
		io.Copy(stdin, s.ch)
		stdin.Close()
	}()
	go func() {
		defer finish()
		err := cmd.Wait()
		s.exit(exitCode(cmd.ProcessState, err))
	}()
	return true
}

func (s *session) runPTY(term *pty.PTY) {
	go func() {
		io.Copy(term, s.ch)
	}()
	io.Copy(s.ch, term)
	<-term.Done()
	s.exit(term.ExitCode())
}

func (s *session) exit(code int) {
	if code < 0 {
		code = 255
	}
	s.ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
	s.ch.CloseWrite()
}

func (s *session) serveSFTP() {
	server, err := sftp.NewServer(s.ch, sftp.WithServerWorkingDirectory(s.srv.account.home))
	if err != nil {
		s.log.Warn().Err(err).Msg("sftp server")
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		s.log.Debug().Err(err).Msg("sftp session ended")
	}
	server.Close()
}

func (s *session) kill() {
	s.mu.Lock()
	term, proc := s.term, s.proc
	s.mu.Unlock()
	if term != nil {
		term.Close()
	}
	if proc != nil {
		proc.Kill()
	}
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return 255
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
