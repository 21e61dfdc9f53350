// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ws wraps gorilla/websocket for every socket the worker and the
// sandbox daemon serve: origin checks on upgrade, and a Conn whose writes are
// serialized and bounded by a deadline.
package ws

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// OriginPolicy validates the Origin header of upgrade requests.
type OriginPolicy struct {
	allowed []string
}

// NewOriginPolicy builds a policy from entries such as "https://app.example",
// "http://localhost:*" or "*".
func NewOriginPolicy(allowed []string) OriginPolicy {
	var cleaned []string
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return OriginPolicy{allowed: cleaned}
}

// Check reports whether the request may upgrade. Requests without an Origin
// header come from non-browser clients (the orchestrator, ssh-over-ws
// tooling) and are left to token auth. A browser origin must be listed.
func (p OriginPolicy) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range p.allowed {
		if a == origin || a == "*" {
			return true
		}
		// Wildcard port, e.g. "http://localhost:*"
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if port, ok := strings.CutPrefix(origin, prefix); ok && port != "" && isNumeric(port) {
				return true
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NewUpgrader returns an upgrader bound to the origin policy. Compression is
// only negotiated when enableCompression is set; raw tunnels leave it off.
func NewUpgrader(policy OriginPolicy, enableCompression bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    32 * 1024,
		WriteBufferSize:   32 * 1024,
		CheckOrigin:       policy.Check,
		EnableCompression: enableCompression,
	}
}
