// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/httpx"
)

const defaultCallTimeout = 30 * time.Second

// Target is one entry of the browser's /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type cdpResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// conn is one DevTools websocket to a page target. Responses are routed to
// callers by message id; events are dropped.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan cdpResponse
	closed  chan struct{}
	err     error
}

// ListTargets fetches the debugger's target list.
func ListTargets(ctx context.Context, client *http.Client, endpoint string) ([]Target, error) {
	var targets []Target
	if err := httpx.Do(ctx, client, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/json/list", nil, nil, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func dialPage(ctx context.Context, client *http.Client, endpoint string) (*conn, Target, error) {
	targets, err := ListTargets(ctx, client, endpoint)
	if err != nil {
		return nil, Target{}, fmt.Errorf("%w: list targets: %v", errdefs.ErrTransport, err)
	}
	var page Target
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			page = t
			break
		}
	}
	if page.ID == "" {
		return nil, Target{}, fmt.Errorf("%w: no page target", errdefs.ErrNotFound)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, page.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, Target{}, fmt.Errorf("%w: dial devtools: %v", errdefs.ErrTransport, err)
	}
	c := &conn{
		ws:      ws,
		pending: make(map[uint64]chan cdpResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, page, nil
}

func (c *conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.pending = nil
		c.mu.Unlock()
		close(c.closed)
	}()
	for {
		var resp cdpResponse
		if err = c.ws.ReadJSON(&resp); err != nil {
			return
		}
		if resp.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *conn) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *conn) close() {
	c.ws.Close()
	<-c.closed
}

// call sends one command and decodes its result into out, if non-nil.
func (c *conn) call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: devtools connection closed", errdefs.ErrTransport)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan cdpResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := map[string]any{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%w: send %s: %v", errdefs.ErrTransport, method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: devtools connection closed during %s", errdefs.ErrTransport, method)
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%w: %s: %v", errdefs.ErrTimeout, method, ctx.Err())
	}
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Version returns the debugger's /json/version document.
func Version(ctx context.Context, client *http.Client, endpoint string) (map[string]any, error) {
	var out map[string]any
	if err := httpx.Do(ctx, client, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/json/version", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func logTarget(log zerolog.Logger, t Target) {
	log.Info().Str("target", t.ID).Str("url", t.URL).Msg("attached to page")
}
