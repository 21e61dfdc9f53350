// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is a websocket connection safe for concurrent writers. Reads must
// still come from a single goroutine.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	pongWait   time.Duration
	pingPeriod time.Duration
}

// Wrap takes ownership of a gorilla connection.
func Wrap(c *websocket.Conn) *Conn {
	return &Conn{conn: c, done: make(chan struct{}), pongWait: pongWait, pingPeriod: pingPeriod}
}

// Underlying returns the wrapped connection for read-side configuration.
func (c *Conn) Underlying() *websocket.Conn { return c.conn }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WriteJSON writes v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrTransport, err)
	}
	return nil
}

// WriteMessage writes one frame of the given type.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrTransport, err)
	}
	return nil
}

// ReadMessage reads the next frame.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// CloseWith sends a close frame with the given code and closes the socket.
func (c *Conn) CloseWith(code int, reason string) {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.Close()
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// KeepAlive pings the peer until ctx ends or the connection closes, and
// extends the read deadline whenever a pong arrives. A peer that stops
// answering is dropped after pongWait. Use it where the peer is one of our
// own processes.
func (c *Conn) KeepAlive(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	c.ping(ctx)
}

// Heartbeat pings the peer but never arms a read deadline, so a client that
// ignores pings stays attached until it closes or a write fails.
func (c *Conn) Heartbeat(ctx context.Context) {
	c.ping(ctx)
}

func (c *Conn) ping(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
