// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package terminal

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/Hyper-Int/cmux/internal/pty"
)

// State is a session's completion state.
type State string

const (
	StateRunning      State = "running"
	StateIdleDetected State = "idle-detected"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// canTransition encodes running -> idle-detected -> completed|failed, with
// running also allowed to go straight to completed or failed.
func canTransition(from, to State) bool {
	switch from {
	case StateRunning:
		return to == StateIdleDetected || to == StateCompleted || to == StateFailed
	case StateIdleDetected:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Info is the public view of a session.
type Info struct {
	TerminalID string    `json:"terminalId"`
	Backend    string    `json:"backend"`
	TaskRunID  string    `json:"taskRunId,omitempty"`
	AgentModel string    `json:"agentModel,omitempty"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Session is one terminal owned by the Manager.
type Session struct {
	mu         sync.Mutex
	info       Info
	handle     Handle
	screen     *Screen
	lastOutput time.Time
	cancel     func()
	// partial is an incomplete UTF-8 sequence held back from the last
	// output chunk.
	partial []byte
	// ready is closed once terminal-created has been emitted (or the start
	// failed); callbacks wait on it so events keep their order.
	ready chan struct{}
}

// completeRunes prepends the rune held back from the previous chunk and
// holds back a new trailing partial one, so every chunk is valid text.
func (s *Session) completeRunes(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		data = append(append([]byte(nil), s.partial...), data...)
	}
	data, tail := pty.SplitPartialRune(data)
	s.partial = append(s.partial[:0], tail...)
	return data
}

func (s *Session) getHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// transition moves the session to a new state and reports whether it did.
func (s *Session) transition(to State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.info.State
	if !canTransition(from, to) {
		return from, false
	}
	s.info.State = to
	return from, true
}

// LastOutput implements completion.Activity.
func (s *Session) LastOutput() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutput
}

func (s *Session) recordOutput(data []byte, now time.Time) {
	s.screen.Write(data)
	s.mu.Lock()
	s.lastOutput = now
	s.mu.Unlock()
}

// Screen mirrors a session's output so it can be serialized later.
type Screen struct {
	ring *pty.Scrollback
}

// NewScreen keeps the last size bytes of output.
func NewScreen(size int) *Screen {
	return &Screen{ring: pty.NewScrollback(size)}
}

func (s *Screen) Write(p []byte) (int, error) { return s.ring.Write(p) }

// Raw returns the retained output with escape sequences intact.
func (s *Screen) Raw() []byte { return s.ring.Bytes() }

// Text returns the retained output as plain text.
func (s *Screen) Text() string {
	return normalizeNewlines(ansi.Strip(string(s.ring.Bytes())))
}

func normalizeNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' {
			if i+1 < len(s) && s[i+1] == '\n' {
				continue
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (i Info) String() string {
	return fmt.Sprintf("%s(%s,%s)", i.TerminalID, i.Backend, i.State)
}
