// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ptyserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/ws"
)

// HealthTTL is how long a health check result is reused.
const HealthTTL = 10 * time.Second

// TokenSource returns the current bearer token.
type TokenSource func() (string, error)

// Client talks to a PTY server.
type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	clock   clock.Clock

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

// NewClient returns a client for the server mounted at baseURL.
func NewClient(baseURL string, token TokenSource, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.Real()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		clock:   clk,
	}
}

// Healthy reports whether the server answered its health check. The result
// is cached for HealthTTL.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	if !c.checkedAt.IsZero() && c.clock.Now().Sub(c.checkedAt) < HealthTTL {
		healthy := c.healthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	healthy := c.do(ctx, http.MethodGet, "/health", nil, nil) == nil

	c.mu.Lock()
	c.healthy = healthy
	c.checkedAt = c.clock.Now()
	c.mu.Unlock()
	return healthy
}

// Create starts a session.
func (c *Client) Create(ctx context.Context, req CreateRequest) (SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodPost, "/sessions", req, &info)
	return info, err
}

// List returns the server's sessions.
func (c *Client) List(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out.Sessions, err
}

// Input writes data to a session.
func (c *Client) Input(ctx context.Context, id, data string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/input", inputRequest{Data: data}, nil)
}

// Resize changes a session's window size.
func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/resize", resizeRequest{Cols: cols, Rows: rows}, nil)
}

// Delete kills a session.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// Stream opens the session's output socket.
func (c *Client) Stream(ctx context.Context, id string, replay bool) (*ws.Conn, error) {
	target := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/sessions/" + url.PathEscape(id) + "/stream"
	if !replay {
		target += "?replay=0"
	}
	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return nil, err
	}
	raw, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, httpx.StatusError(resp.StatusCode, "pty server stream", nil)
		}
		return nil, fmt.Errorf("%w: pty stream: %v", errdefs.ErrTransport, err)
	}
	return ws.Wrap(raw), nil
}

func (c *Client) authorize(h http.Header) error {
	if c.token == nil {
		return nil
	}
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("pty server token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return err
	}
	return httpx.Do(ctx, c.http, method, c.baseURL+path, header, body, out)
}
