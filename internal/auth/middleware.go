// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
)

// CookieName carries the token for browser clients after /_cmux/auth.
const CookieName = "_cmux_auth"

// Middleware provides authentication middleware for HTTP handlers.
// The token is looked up on every request; nothing is cached here.
type Middleware struct {
	tokens *TokenManager
	log    zerolog.Logger
}

// NewMiddleware creates a new auth middleware backed by the token manager.
func NewMiddleware(tokens *TokenManager, log zerolog.Logger) *Middleware {
	return &Middleware{tokens: tokens, log: logging.For(log, "auth")}
}

// RequireAuth wraps an http.Handler and requires valid authentication
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return m.RequireAuthFunc(next.ServeHTTP)
}

// RequireAuthFunc wraps an http.HandlerFunc and requires valid authentication
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Authenticate(r); err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, errdefs.ErrAuth) {
				// Token state could not be refreshed; surface it rather
				// than pretending the caller was at fault.
				status = http.StatusInternalServerError
				m.log.Error().Err(err).Str("path", r.URL.Path).Msg("token check failed")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next(w, r)
	}
}

// Authenticate checks the token presented by the request.
func (m *Middleware) Authenticate(r *http.Request) error {
	token, source := TokenFromRequest(r)
	err := m.tokens.Check(token)
	if err != nil && errors.Is(err, errdefs.ErrAuth) {
		m.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("source", source).
			Str("token", logging.RedactToken(token)).Msg("rejected request")
	}
	return err
}

// TokenFromRequest extracts a token from, in order, the Authorization bearer
// header, the X-Cmux-Token header, the token query parameter, and the auth
// cookie. The second value names the source for logging.
func TokenFromRequest(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1]), "bearer"
		}
	}
	if token := r.Header.Get("X-Cmux-Token"); token != "" {
		return token, "header"
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, "query"
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, "cookie"
	}
	return "", "none"
}

// SetCookie stores the token in the short-lived auth cookie.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   12 * 60 * 60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// IsLoopback reports whether the request came from the local machine.
func IsLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
