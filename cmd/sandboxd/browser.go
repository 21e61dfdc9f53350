// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Hyper-Int/cmux/internal/browser"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/httpx"
)

// browserRequest is the body shared by every browser verb. Each verb reads
// the fields it needs.
type browserRequest struct {
	browser.Locator
	URL       string `json:"url,omitempty"`
	Text      string `json:"text,omitempty"`
	Value     string `json:"value,omitempty"`
	Key       string `json:"key,omitempty"`
	DX        int    `json:"dx,omitempty"`
	DY        int    `json:"dy,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// browserAction performs a verb and returns the fields to merge into the
// response.
type browserAction func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error)

func done(err error) (map[string]any, error) { return nil, err }

var browserActions = map[string]browserAction{
	"open": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		if req.URL == "" {
			return nil, fmt.Errorf("%w: url is required", errdefs.ErrValidation)
		}
		return done(b.Open(ctx, req.URL))
	},
	"click": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		return done(b.Click(ctx, req.Locator))
	},
	"hover": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		return done(b.Hover(ctx, req.Locator))
	},
	"type": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		return done(b.Type(ctx, req.Locator, req.Text))
	},
	"fill": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		return done(b.Fill(ctx, req.Locator, req.Value))
	},
	"press": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		if req.Key == "" {
			return nil, fmt.Errorf("%w: key is required", errdefs.ErrValidation)
		}
		return done(b.Press(ctx, req.Key))
	},
	"scroll": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		return done(b.Scroll(ctx, req.DX, req.DY))
	},
	"back": func(ctx context.Context, b *browser.Browser, _ browserRequest) (map[string]any, error) {
		return done(b.Back(ctx))
	},
	"forward": func(ctx context.Context, b *browser.Browser, _ browserRequest) (map[string]any, error) {
		return done(b.Forward(ctx))
	},
	"reload": func(ctx context.Context, b *browser.Browser, _ browserRequest) (map[string]any, error) {
		return done(b.Reload(ctx))
	},
	"wait": func(ctx context.Context, b *browser.Browser, req browserRequest) (map[string]any, error) {
		if req.Selector == "" {
			return nil, fmt.Errorf("%w: selector is required", errdefs.ErrValidation)
		}
		return done(b.Wait(ctx, req.Selector, time.Duration(req.TimeoutMs)*time.Millisecond))
	},
	"url": func(ctx context.Context, b *browser.Browser, _ browserRequest) (map[string]any, error) {
		u, err := b.URL(ctx)
		return map[string]any{"url": u}, err
	},
	"title": func(ctx context.Context, b *browser.Browser, _ browserRequest) (map[string]any, error) {
		t, err := b.Title(ctx)
		return map[string]any{"title": t}, err
	},
}

// browserVerbs adapts every action to an HTTP handler. GET requests carry
// no body.
func (s *Server) browserVerbs() map[string]http.HandlerFunc {
	out := make(map[string]http.HandlerFunc, len(browserActions))
	for verb, action := range browserActions {
		out[verb] = func(w http.ResponseWriter, r *http.Request) {
			var req browserRequest
			if r.Method == http.MethodPost && r.ContentLength != 0 {
				if err := httpx.DecodeJSON(r, &req); err != nil {
					httpx.WriteError(w, err)
					return
				}
			}
			fields, err := action(r.Context(), s.browser, req)
			if err != nil {
				s.log.Debug().Err(err).Str("verb", verb).Str("target", req.Locator.String()).Msg("browser verb failed")
				httpx.WriteError(w, err)
				return
			}
			resp := map[string]any{"ok": true, "generation": s.browser.Generation()}
			for k, v := range fields {
				resp[k] = v
			}
			httpx.WriteJSON(w, http.StatusOK, resp)
		}
	}
	return out
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.browser.Snapshot(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	png, err := s.browser.Screenshot(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
