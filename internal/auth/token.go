// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
)

// persistedToken is the on-disk form of the current token.
type persistedToken struct {
	Token  string `json:"token"`
	BootID string `json:"bootId"`
}

// TokenManager owns the node's single bearer token. The token is bound to the
// kernel boot id: a VM resumed from a snapshot keeps its token, a fresh boot
// gets a new one. Every check re-reads the boot id, so a rotation is visible
// to HTTP, WebSocket, SSH and cookie auth at the same instant.
type TokenManager struct {
	mu         sync.Mutex
	tokenFile  string
	bootIDFile string
	token      string
	bootID     string
	onRotate   []func(token string)
	log        zerolog.Logger
}

// NewTokenManager loads the persisted token and rotates it if the boot id
// changed since it was issued.
func NewTokenManager(cfg config.AuthConfig, log zerolog.Logger) (*TokenManager, error) {
	m := &TokenManager{
		tokenFile:  cfg.TokenFile,
		bootIDFile: cfg.BootIDFile,
		log:        logging.For(log, "auth"),
	}

	data, err := os.ReadFile(m.tokenFile)
	switch {
	case err == nil:
		var p persistedToken
		if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
			m.log.Warn().Err(jsonErr).Str("file", m.tokenFile).Msg("corrupt token file, issuing a new token")
		} else {
			m.token, m.bootID = p.Token, p.BootID
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("auth: read token file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ensureFreshLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// OnRotate registers a callback invoked (outside the lock) after every rotation.
func (m *TokenManager) OnRotate(fn func(token string)) {
	m.mu.Lock()
	m.onRotate = append(m.onRotate, fn)
	m.mu.Unlock()
}

// Token returns the current token, rotating first if the boot id changed.
func (m *TokenManager) Token() (string, error) {
	m.mu.Lock()
	rotated, err := m.ensureFreshLocked()
	token := m.token
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if rotated {
		m.notify(token)
	}
	return token, nil
}

// BootID returns the boot id the current token is bound to.
func (m *TokenManager) BootID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootID
}

// Check validates a candidate token. It returns an error wrapping
// errdefs.ErrAuth for a missing or stale token; any other error means the
// token state itself could not be refreshed and must not be ignored.
func (m *TokenManager) Check(candidate string) error {
	current, err := m.Token()
	if err != nil {
		return err
	}
	if candidate == "" {
		return fmt.Errorf("%w: no token presented", errdefs.ErrAuth)
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(current)) != 1 {
		return fmt.Errorf("%w: token mismatch", errdefs.ErrAuth)
	}
	return nil
}

// Rotate issues a new token immediately, invalidating the previous one on
// every surface.
func (m *TokenManager) Rotate() (string, error) {
	m.mu.Lock()
	bootID, err := m.readBootID()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if err := m.issueLocked(bootID); err != nil {
		m.mu.Unlock()
		return "", err
	}
	token := m.token
	m.mu.Unlock()
	m.notify(token)
	return token, nil
}

func (m *TokenManager) ensureFreshLocked() (bool, error) {
	bootID, err := m.readBootID()
	if err != nil {
		return false, err
	}
	if m.token != "" && bootID == m.bootID {
		return false, nil
	}
	if m.token != "" {
		m.log.Info().Str("previous_boot_id", m.bootID).Str("boot_id", bootID).Msg("boot id changed, rotating token")
	}
	if err := m.issueLocked(bootID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *TokenManager) issueLocked(bootID string) error {
	token, err := newToken()
	if err != nil {
		return fmt.Errorf("auth: generate token: %w", err)
	}
	if err := writeTokenFile(m.tokenFile, persistedToken{Token: token, BootID: bootID}); err != nil {
		return fmt.Errorf("auth: persist token: %w", err)
	}
	m.token, m.bootID = token, bootID
	m.log.Info().Str("token", logging.RedactToken(token)).Str("boot_id", bootID).Msg("issued auth token")
	return nil
}

func (m *TokenManager) notify(token string) {
	m.mu.Lock()
	callbacks := append([]func(string){}, m.onRotate...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(token)
	}
}

// readBootID returns the kernel boot id. Platforms without one get a stable
// empty id, which pins the token until an explicit Rotate.
func (m *TokenManager) readBootID() (string, error) {
	if m.bootIDFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(m.bootIDFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auth: read boot id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// newToken generates a random 64-character hex token using crypto/rand.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeTokenFile(path string, p persistedToken) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
