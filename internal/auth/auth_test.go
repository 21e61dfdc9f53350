package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
)

func setupTokens(t *testing.T, bootID string) (*TokenManager, string) {
	t.Helper()
	dir := t.TempDir()
	bootFile := filepath.Join(dir, "boot_id")
	if err := os.WriteFile(bootFile, []byte(bootID+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewTokenManager(config.AuthConfig{
		TokenFile:  filepath.Join(dir, "run", "auth-token"),
		BootIDFile: bootFile,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("failed to create token manager: %v", err)
	}
	return m, bootFile
}

func TestTokenPersistsAcrossRestartOnSameBoot(t *testing.T) {
	m, bootFile := setupTokens(t, "boot-a")
	first, _ := m.Token()

	again, err := NewTokenManager(config.AuthConfig{
		TokenFile:  m.tokenFile,
		BootIDFile: bootFile,
	}, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	second, _ := again.Token()
	if first != second {
		t.Error("token should survive a restart within the same boot")
	}
}

func TestTokenRotatesWhenBootIDChanges(t *testing.T) {
	m, bootFile := setupTokens(t, "boot-a")
	old, _ := m.Token()

	rotated := ""
	m.OnRotate(func(token string) { rotated = token })

	os.WriteFile(bootFile, []byte("boot-b\n"), 0644)

	if err := m.Check(old); !errors.Is(err, errdefs.ErrAuth) {
		t.Fatalf("old token should be rejected after reboot, got %v", err)
	}
	current, _ := m.Token()
	if current == old {
		t.Fatal("expected a new token")
	}
	if rotated != current {
		t.Error("rotation callback not invoked with the new token")
	}
	if m.BootID() != "boot-b" {
		t.Errorf("boot id = %q", m.BootID())
	}
}

func TestRotateInvalidatesEverySurface(t *testing.T) {
	m, _ := setupTokens(t, "boot-a")
	old, _ := m.Token()
	if _, err := m.Rotate(); err != nil {
		t.Fatal(err)
	}

	mw := NewMiddleware(m, logging.Nop())
	handler := mw.RequireAuthFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	requests := map[string]*http.Request{}

	bearer := httptest.NewRequest("GET", "/exec", nil)
	bearer.Header.Set("Authorization", "Bearer "+old)
	requests["bearer"] = bearer

	query := httptest.NewRequest("GET", "/pty?token="+old, nil)
	requests["query"] = query

	cookie := httptest.NewRequest("GET", "/status", nil)
	cookie.AddCookie(&http.Cookie{Name: CookieName, Value: old})
	requests["cookie"] = cookie

	for name, req := range requests {
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 for rotated token, got %d", name, rec.Code)
		}
	}

	// SSH uses Check directly with the username.
	if err := m.Check(old); !errors.Is(err, errdefs.ErrAuth) {
		t.Errorf("ssh: expected rejection, got %v", err)
	}
}

func TestMiddlewareAcceptsCurrentToken(t *testing.T) {
	m, _ := setupTokens(t, "boot-a")
	token, _ := m.Token()
	mw := NewMiddleware(m, logging.Nop())
	handler := mw.RequireAuthFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Cmux-Token", token)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected handler to run, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

func TestIsLoopback(t *testing.T) {
	req := httptest.NewRequest("GET", "/auth-token", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	if !IsLoopback(req) {
		t.Error("127.0.0.1 should be loopback")
	}
	req.RemoteAddr = "10.1.2.3:5555"
	if IsLoopback(req) {
		t.Error("10.1.2.3 should not be loopback")
	}
}
