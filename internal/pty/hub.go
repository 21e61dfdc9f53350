// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"encoding/json"
	"sync"
	"unicode/utf8"
)

// HubMessage is one frame for a subscriber. IsBinary marks terminal output;
// text frames carry JSON control events.
type HubMessage struct {
	IsBinary bool
	Data     []byte
}

// ExitEvent is broadcast as a text frame when the process exits.
type ExitEvent struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

const subscriberBuffer = 256

// Hub fans one PTY's output out to any number of subscribers and keeps a
// scrollback so late subscribers can catch up.
type Hub struct {
	pty        *PTY
	scrollback *Scrollback

	mu       sync.RWMutex
	clients  map[chan HubMessage]struct{}
	onOutput []func([]byte)
	onExit   []func(code int)
	exited   bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewHub wraps p. Call Run to start reading.
func NewHub(p *PTY, scrollbackSize int) *Hub {
	return &Hub{
		pty:        p,
		scrollback: NewScrollback(scrollbackSize),
		clients:    make(map[chan HubMessage]struct{}),
		done:       make(chan struct{}),
	}
}

// OnOutput registers a callback for every output chunk. Callbacks run on the
// read goroutine and must not block.
func (h *Hub) OnOutput(fn func([]byte)) {
	h.mu.Lock()
	h.onOutput = append(h.onOutput, fn)
	h.mu.Unlock()
}

// OnExit registers a callback run once with the process exit code.
func (h *Hub) OnExit(fn func(code int)) {
	h.mu.Lock()
	h.onExit = append(h.onExit, fn)
	h.mu.Unlock()
}

// Run reads output until the process exits. It blocks; callers run it in a
// goroutine. Chunks never end inside a UTF-8 sequence: a split rune is held
// back and sent with the next read.
func (h *Hub) Run() {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := h.pty.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(carry)+n)
			data = append(append(data, carry...), buf[:n]...)
			var tail []byte
			data, tail = SplitPartialRune(data)
			carry = append(carry[:0], tail...)
			if len(data) > 0 {
				h.broadcast(data)
			}
		}
		if err != nil {
			break
		}
	}
	if len(carry) > 0 {
		h.broadcast(carry)
	}

	<-h.pty.Done()
	code := h.pty.ExitCode()

	h.mu.Lock()
	h.exited = true
	callbacks := h.onExit
	exitFrame, _ := json.Marshal(ExitEvent{Type: "exit", Code: code})
	for client := range h.clients {
		select {
		case client <- HubMessage{Data: exitFrame}:
		default:
		}
		close(client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(code)
	}
	close(h.done)
}

// SplitPartialRune separates an incomplete UTF-8 sequence at the end of data.
// Invalid bytes count as complete and are passed through.
func SplitPartialRune(data []byte) (complete, partial []byte) {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return data, nil
		}
		return data[:i:i], data[i:]
	}
	return data, nil
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.scrollback.Write(data)
	for _, fn := range h.onOutput {
		fn(data)
	}
	msg := HubMessage{IsBinary: true, Data: data}
	for client := range h.clients {
		select {
		case client <- msg:
		default:
			// Slow subscriber; it can recover from the scrollback.
		}
	}
}

// Subscribe registers a new output channel. With replay set, the current
// scrollback is queued first, with no gap before live output. It returns
// false once the process has exited.
func (h *Hub) Subscribe(replay bool) (chan HubMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil, false
	}
	ch := make(chan HubMessage, subscriberBuffer)
	if replay {
		if history := trimLeadingContinuation(h.scrollback.Bytes()); len(history) > 0 {
			ch <- HubMessage{IsBinary: true, Data: history}
		}
	}
	h.clients[ch] = struct{}{}
	return ch, true
}

// trimLeadingContinuation drops the tail of a rune cut off when the
// scrollback wrapped.
func trimLeadingContinuation(b []byte) []byte {
	for i := 0; i < len(b) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(b[i]) {
			return b[i:]
		}
	}
	return b
}

// Unsubscribe removes and closes a channel. Safe after exit.
func (h *Hub) Unsubscribe(ch chan HubMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Write sends input to the process.
func (h *Hub) Write(data []byte) (int, error) { return h.pty.Write(data) }

// Resize changes the terminal size.
func (h *Hub) Resize(cols, rows uint16) error { return h.pty.Resize(cols, rows) }

// Scrollback returns the retained output.
func (h *Hub) Scrollback() []byte { return h.scrollback.Bytes() }

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PTY returns the underlying terminal.
func (h *Hub) PTY() *PTY { return h.pty }

// Done is closed after Run has delivered the exit event.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Stop kills the process. Run finishes on its own once the read fails.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.pty.Close()
	})
}
