// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sshtunnel carries an SSH byte stream over a websocket to the
// node's SSH server. Frames are opaque binary in both directions.
package sshtunnel

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/ws"
)

// Close codes sent to the websocket peer.
const (
	// CloseSSHEnded: the SSH server closed the TCP connection.
	CloseSSHEnded = websocket.CloseNormalClosure
	// CloseSSHUnreachable: the SSH server could not be reached or the TCP
	// connection failed.
	CloseSSHUnreachable = websocket.CloseInternalServerErr
)

const (
	defaultDialTimeout = 10 * time.Second
	readBufferSize     = 32 * 1024
)

// Bridge upgrades /ssh requests and pipes them to Target. Authentication
// happens before ServeHTTP.
type Bridge struct {
	Target      string
	DialTimeout time.Duration

	upgrader *websocket.Upgrader
	log      zerolog.Logger

	mu     sync.Mutex
	active int
}

// NewBridge returns a bridge to the SSH server at target. Compression is
// never negotiated.
func NewBridge(target string, policy ws.OriginPolicy, log zerolog.Logger) *Bridge {
	return &Bridge{
		Target:      target,
		DialTimeout: defaultDialTimeout,
		upgrader:    ws.NewUpgrader(policy, false),
		log:         logging.For(log, "ssh-tunnel"),
	}
}

// Active returns the number of open tunnels.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// tunnel is one websocket and its TCP leg. Bytes that arrive before the TCP
// dial completes wait in pending and are written first, in order.
type tunnel struct {
	ws  *ws.Conn
	log zerolog.Logger

	mu        sync.Mutex
	tcp       net.Conn
	connected bool
	closed    bool
	pending   [][]byte
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("ssh tunnel upgrade failed")
		return
	}
	raw.EnableWriteCompression(false)
	t := &tunnel{ws: ws.Wrap(raw), log: b.log.With().Str("remote", r.RemoteAddr).Logger()}

	b.mu.Lock()
	b.active++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	t.log.Debug().Msg("ssh tunnel opened")
	go t.dial(b.Target, b.DialTimeout)
	t.readWS()
	t.log.Debug().Msg("ssh tunnel closed")
}

func (t *tunnel) dial(target string, timeout time.Duration) {
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		t.log.Warn().Err(err).Str("target", target).Msg("ssh server unreachable")
		t.ws.CloseWith(CloseSSHUnreachable, "ssh server unreachable")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.tcp = conn
	for _, chunk := range t.pending {
		if _, err := conn.Write(chunk); err != nil {
			t.mu.Unlock()
			t.ws.CloseWith(CloseSSHUnreachable, "ssh write failed")
			conn.Close()
			return
		}
	}
	t.pending = nil
	t.connected = true
	t.mu.Unlock()

	t.readTCP(conn)
}

// readTCP forwards SSH server output until the TCP side ends, then closes
// the websocket with a code that says which way it ended.
func (t *tunnel) readTCP(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := t.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				conn.Close()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.ws.CloseWith(CloseSSHEnded, "ssh connection closed")
			} else {
				t.ws.CloseWith(CloseSSHUnreachable, "ssh connection failed")
			}
			return
		}
	}
}

// readWS forwards client frames until the websocket closes, then drops the
// TCP connection.
func (t *tunnel) readWS() {
	defer func() {
		t.mu.Lock()
		t.closed = true
		tcp := t.tcp
		t.pending = nil
		t.mu.Unlock()
		if tcp != nil {
			tcp.Close()
		}
		t.ws.Close()
	}()
	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		t.mu.Lock()
		if !t.connected {
			t.pending = append(t.pending, data)
			t.mu.Unlock()
			continue
		}
		_, err = t.tcp.Write(data)
		t.mu.Unlock()
		if err != nil {
			return
		}
	}
}
