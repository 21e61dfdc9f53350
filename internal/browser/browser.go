// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package browser drives the sandbox's shared browser page over the
// DevTools protocol. One persistent connection is kept to the first page
// target and every action is serialized on it.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
)

// DefaultEndpoint is where the sandbox's browser listens for DevTools.
const DefaultEndpoint = "http://127.0.0.1:9222"

const (
	loadPollInterval = 100 * time.Millisecond
	loadTimeout      = 30 * time.Second
)

// Locator picks an element either by snapshot ref or by CSS selector.
type Locator struct {
	Ref        string `json:"ref,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
}

func (l Locator) empty() bool { return l.Ref == "" && l.Selector == "" }

func (l Locator) String() string {
	if l.Ref != "" {
		return l.Ref
	}
	return l.Selector
}

// Browser is the shared page.
type Browser struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger

	mu         sync.Mutex
	conn       *conn
	target     Target
	generation uint64
}

// New returns a Browser that connects on first use.
func New(endpoint string, log zerolog.Logger) *Browser {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Browser{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      logging.For(log, "browser"),
	}
}

// Endpoint returns the DevTools HTTP endpoint.
func (b *Browser) Endpoint() string { return b.endpoint }

// Connected reports whether a live page connection exists.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.alive()
}

// Generation returns the current snapshot generation.
func (b *Browser) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Info passes through the debugger's /json/version.
func (b *Browser) Info(ctx context.Context) (map[string]any, error) {
	return Version(ctx, b.http, b.endpoint)
}

// Close drops the page connection.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.close()
		b.conn = nil
	}
}

// with runs fn against the page connection, dialing it if needed. A
// connection found dead afterwards is dropped so the next call redials.
func (b *Browser) with(ctx context.Context, fn func(c *conn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.conn.alive() {
		c, target, err := dialPage(ctx, b.http, b.endpoint)
		if err != nil {
			return err
		}
		b.conn, b.target = c, target
		logTarget(b.log, target)
	}
	err := fn(b.conn)
	if !b.conn.alive() {
		b.log.Warn().Msg("devtools connection lost")
		b.conn = nil
	}
	return err
}

func evaluate(ctx context.Context, c *conn, expr string) (any, error) {
	var resp struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ExceptionDetails != nil {
		return nil, fmt.Errorf("script error: %s", resp.ExceptionDetails.Text)
	}
	return resp.Result.Value, nil
}

func evaluateString(ctx context.Context, c *conn, expr string) (string, error) {
	v, err := evaluate(ctx, c, expr)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// waitLoad polls document.readyState until the page is usable. A page
// that never finishes loading is not an error.
func waitLoad(ctx context.Context, c *conn) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	for {
		state, err := evaluateString(ctx, c, "document.readyState")
		if err == nil && (state == "complete" || state == "interactive") {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(loadPollInterval):
		}
	}
}

func (b *Browser) navigate(ctx context.Context, fn func(c *conn) error) error {
	return b.with(ctx, func(c *conn) error {
		if err := fn(c); err != nil {
			return err
		}
		b.generation++
		waitLoad(ctx, c)
		return nil
	})
}

// Open navigates the shared page to url.
func (b *Browser) Open(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("%w: url is required", errdefs.ErrValidation)
	}
	return b.navigate(ctx, func(c *conn) error {
		var resp struct {
			ErrorText string `json:"errorText"`
		}
		if err := c.call(ctx, "Page.navigate", map[string]any{"url": url}, &resp); err != nil {
			return err
		}
		if resp.ErrorText != "" {
			return fmt.Errorf("%w: navigate %s: %s", errdefs.ErrTransport, url, resp.ErrorText)
		}
		return nil
	})
}

// Back goes one entry back in history.
func (b *Browser) Back(ctx context.Context) error {
	return b.navigate(ctx, func(c *conn) error {
		_, err := evaluate(ctx, c, "history.back()")
		return err
	})
}

// Forward goes one entry forward in history.
func (b *Browser) Forward(ctx context.Context) error {
	return b.navigate(ctx, func(c *conn) error {
		_, err := evaluate(ctx, c, "history.forward()")
		return err
	})
}

// Reload reloads the page.
func (b *Browser) Reload(ctx context.Context) error {
	return b.navigate(ctx, func(c *conn) error {
		return c.call(ctx, "Page.reload", nil, nil)
	})
}

// URL returns the page URL.
func (b *Browser) URL(ctx context.Context) (string, error) {
	var out string
	err := b.with(ctx, func(c *conn) (err error) {
		out, err = evaluateString(ctx, c, "window.location.href")
		return err
	})
	return out, err
}

// Title returns the page title.
func (b *Browser) Title(ctx context.Context) (string, error) {
	var out string
	err := b.with(ctx, func(c *conn) (err error) {
		out, err = evaluateString(ctx, c, "document.title")
		return err
	})
	return out, err
}

// Snapshot captures the accessibility tree and starts a new generation.
func (b *Browser) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := b.with(ctx, func(c *conn) error {
		nodes, err := axTree(ctx, c)
		if err != nil {
			return err
		}
		b.generation++
		snap = &Snapshot{Generation: b.generation, Nodes: nodes, Text: render(nodes)}
		snap.URL, _ = evaluateString(ctx, c, "window.location.href")
		snap.Title, _ = evaluateString(ctx, c, "document.title")
		return nil
	})
	return snap, err
}

func axTree(ctx context.Context, c *conn) ([]Node, error) {
	var resp struct {
		Nodes []axNode `json:"nodes"`
	}
	if err := c.call(ctx, "Accessibility.getFullAXTree", nil, &resp); err != nil {
		return nil, err
	}
	return flatten(resp.Nodes), nil
}

// findElement resolves a locator to a backend DOM node id. Refs are
// resolved by walking the current tree to the same ordinal.
func (b *Browser) findElement(ctx context.Context, c *conn, loc Locator) (int, error) {
	if loc.Ref != "" {
		n, ok := ParseRef(loc.Ref)
		if !ok {
			return 0, fmt.Errorf("%w: malformed ref %q", errdefs.ErrValidation, loc.Ref)
		}
		if loc.Generation != 0 && loc.Generation != b.generation {
			return 0, fmt.Errorf("%w: ref %s is from snapshot %d, page is at %d; take a new snapshot",
				errdefs.ErrValidation, loc.Ref, loc.Generation, b.generation)
		}
		nodes, err := axTree(ctx, c)
		if err != nil {
			return 0, err
		}
		node, err := findRef(nodes, n)
		if err != nil {
			return 0, err
		}
		if node.backendID == 0 {
			return 0, fmt.Errorf("%w: %s has no DOM node", errdefs.ErrNotFound, loc.Ref)
		}
		return node.backendID, nil
	}
	if loc.Selector == "" {
		return 0, fmt.Errorf("%w: ref or selector is required", errdefs.ErrValidation)
	}

	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := c.call(ctx, "DOM.getDocument", nil, &doc); err != nil {
		return 0, err
	}
	var q struct {
		NodeID int `json:"nodeId"`
	}
	if err := c.call(ctx, "DOM.querySelector", map[string]any{"nodeId": doc.Root.NodeID, "selector": loc.Selector}, &q); err != nil {
		return 0, err
	}
	if q.NodeID == 0 {
		return 0, fmt.Errorf("%w: no element matches %q", errdefs.ErrNotFound, loc.Selector)
	}
	var desc struct {
		Node struct {
			BackendNodeID int `json:"backendNodeId"`
		} `json:"node"`
	}
	if err := c.call(ctx, "DOM.describeNode", map[string]any{"nodeId": q.NodeID}, &desc); err != nil {
		return 0, err
	}
	return desc.Node.BackendNodeID, nil
}

// center returns the middle of an element's content box.
func center(ctx context.Context, c *conn, backendID int) (float64, float64, error) {
	c.call(ctx, "DOM.scrollIntoViewIfNeeded", map[string]any{"backendNodeId": backendID}, nil)
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := c.call(ctx, "DOM.getBoxModel", map[string]any{"backendNodeId": backendID}, &box); err != nil {
		return 0, 0, err
	}
	q := box.Model.Content
	if len(q) < 6 {
		return 0, 0, fmt.Errorf("element has no box")
	}
	// Quad is x1,y1 x2,y1 x2,y2 x1,y2.
	return (q[0] + q[2]) / 2, (q[1] + q[5]) / 2, nil
}

func mouse(ctx context.Context, c *conn, kind string, x, y float64) error {
	params := map[string]any{"type": kind, "x": x, "y": y}
	if kind != "mouseMoved" {
		params["button"] = "left"
		params["clickCount"] = 1
	}
	return c.call(ctx, "Input.dispatchMouseEvent", params, nil)
}

// Click clicks the middle of the element.
func (b *Browser) Click(ctx context.Context, loc Locator) error {
	return b.with(ctx, func(c *conn) error {
		id, err := b.findElement(ctx, c, loc)
		if err != nil {
			return err
		}
		x, y, err := center(ctx, c, id)
		if err != nil {
			return fmt.Errorf("click %s: %w", loc, err)
		}
		for _, kind := range []string{"mouseMoved", "mousePressed", "mouseReleased"} {
			if err := mouse(ctx, c, kind, x, y); err != nil {
				return err
			}
		}
		return nil
	})
}

// Hover moves the mouse over the element.
func (b *Browser) Hover(ctx context.Context, loc Locator) error {
	return b.with(ctx, func(c *conn) error {
		id, err := b.findElement(ctx, c, loc)
		if err != nil {
			return err
		}
		x, y, err := center(ctx, c, id)
		if err != nil {
			return fmt.Errorf("hover %s: %w", loc, err)
		}
		return mouse(ctx, c, "mouseMoved", x, y)
	})
}

// Type inserts text at the focused element, focusing loc first when given.
func (b *Browser) Type(ctx context.Context, loc Locator, text string) error {
	return b.with(ctx, func(c *conn) error {
		if !loc.empty() {
			id, err := b.findElement(ctx, c, loc)
			if err != nil {
				return err
			}
			if err := c.call(ctx, "DOM.focus", map[string]any{"backendNodeId": id}, nil); err != nil {
				return err
			}
		}
		return c.call(ctx, "Input.insertText", map[string]any{"text": text}, nil)
	})
}

const fillFunction = `function(v) {
	this.focus();
	this.value = v;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

// Fill replaces the value of an input element.
func (b *Browser) Fill(ctx context.Context, loc Locator, value string) error {
	if loc.empty() {
		return fmt.Errorf("%w: ref or selector is required", errdefs.ErrValidation)
	}
	return b.with(ctx, func(c *conn) error {
		id, err := b.findElement(ctx, c, loc)
		if err != nil {
			return err
		}
		var obj struct {
			Object struct {
				ObjectID string `json:"objectId"`
			} `json:"object"`
		}
		if err := c.call(ctx, "DOM.resolveNode", map[string]any{"backendNodeId": id}, &obj); err != nil {
			return err
		}
		return c.call(ctx, "Runtime.callFunctionOn", map[string]any{
			"objectId":            obj.Object.ObjectID,
			"functionDeclaration": fillFunction,
			"arguments":           []map[string]any{{"value": value}},
		}, nil)
	})
}

// Press sends one key down/up pair, e.g. "Enter" or "a".
func (b *Browser) Press(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", errdefs.ErrValidation)
	}
	return b.with(ctx, func(c *conn) error {
		down := map[string]any{"type": "keyDown", "key": key}
		switch {
		case key == "Enter":
			down["text"] = "\r"
		case len([]rune(key)) == 1:
			down["text"] = key
		}
		if err := c.call(ctx, "Input.dispatchKeyEvent", down, nil); err != nil {
			return err
		}
		return c.call(ctx, "Input.dispatchKeyEvent", map[string]any{"type": "keyUp", "key": key}, nil)
	})
}

// Scroll scrolls the window by dx, dy pixels.
func (b *Browser) Scroll(ctx context.Context, dx, dy int) error {
	return b.with(ctx, func(c *conn) error {
		_, err := evaluate(ctx, c, fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy))
		return err
	})
}

// Wait waits for selector to match, or for timeout when selector is empty.
func (b *Browser) Wait(ctx context.Context, selector string, timeout time.Duration) error {
	if selector == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	expr := fmt.Sprintf("document.querySelector(%q) !== null", selector)
	for {
		var found bool
		err := b.with(ctx, func(c *conn) error {
			v, err := evaluate(ctx, c, expr)
			found, _ = v.(bool)
			return err
		})
		if err == nil && found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %q", errdefs.ErrTimeout, selector)
		case <-time.After(loadPollInterval):
		}
	}
}

// Screenshot returns a PNG of the viewport.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := b.with(ctx, func(c *conn) error {
		var resp struct {
			Data string `json:"data"`
		}
		if err := c.call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &resp); err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return fmt.Errorf("decode screenshot: %w", err)
		}
		png = data
		return nil
	})
	return png, err
}
