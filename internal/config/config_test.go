package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QueueTTL != 30*time.Minute {
		t.Errorf("queue ttl = %v", cfg.QueueTTL)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("sweep interval = %v", cfg.SweepInterval)
	}
	if cfg.IdleTimeout != 15*time.Second {
		t.Errorf("idle timeout = %v", cfg.IdleTimeout)
	}
}

func TestLoadWorkerYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	yamlDoc := `
workerId: from-yaml
queueTTL: 10m
capabilities:
  maxConcurrentTerminals: 4
  supportedLanguages: [go]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKER_ID", "from-env")

	cfg, err := LoadWorker(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerID != "from-env" {
		t.Errorf("env should override yaml, got %q", cfg.WorkerID)
	}
	if cfg.QueueTTL != 10*time.Minute {
		t.Errorf("queue ttl = %v", cfg.QueueTTL)
	}
	if cfg.Capabilities.MaxConcurrentTerminals != 4 {
		t.Errorf("max terminals = %d", cfg.Capabilities.MaxConcurrentTerminals)
	}
}

func TestLoadDaemonEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:*,https://cmux.dev")

	cfg, err := LoadDaemon("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadDaemon(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
