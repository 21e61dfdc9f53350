// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads worker and sandbox daemon settings. Precedence, lowest
// first: built-in defaults, YAML file, environment, command-line flags (bound
// by the cobra commands in cmd/).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig selects zerolog level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig locates the persisted bearer token and the kernel boot id.
type AuthConfig struct {
	TokenFile  string `yaml:"tokenFile"`
	BootIDFile string `yaml:"bootIdFile"`
}

// Capabilities is advertised in worker:register.
type Capabilities struct {
	MaxConcurrentTerminals int      `yaml:"maxConcurrentTerminals"`
	SupportedLanguages     []string `yaml:"supportedLanguages"`
	MemoryMB               int      `yaml:"memoryMB"`
	CPUCores               int      `yaml:"cpuCores"`
}

// ContainerInfo is advertised in worker:register.
type ContainerInfo struct {
	Image    string `yaml:"image"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	WorkerID          string        `yaml:"workerId"`
	ListenAddr        string        `yaml:"listenAddr"`
	OrchestratorURL   string        `yaml:"orchestratorUrl"`
	ManagementToken   string        `yaml:"managementToken"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	QueueTTL          time.Duration `yaml:"queueTTL"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	Capabilities      Capabilities  `yaml:"capabilities"`
	Container         ContainerInfo `yaml:"container"`
	PTYServerURL      string        `yaml:"ptyServerUrl"`
	LifecycleDir      string        `yaml:"lifecycleDir"`
	StateDir          string        `yaml:"stateDir"`
	CodexSessionsDir  string        `yaml:"codexSessionsDir"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	PostStartTimeout  time.Duration `yaml:"postStartTimeout"`
	Auth              AuthConfig    `yaml:"auth"`
	Log               LogConfig     `yaml:"log"`
}

// Service is a node-local service reported by /services.
type Service struct {
	Name string `yaml:"name" json:"name"`
	Port int    `yaml:"port" json:"port"`
}

// DaemonConfig configures cmd/sandboxd.
type DaemonConfig struct {
	ListenAddr          string     `yaml:"listenAddr"`
	SSHAddr             string     `yaml:"sshAddr"`
	SSHUser             string     `yaml:"sshUser"`
	SSHHostKeyPath      string     `yaml:"sshHostKeyPath"`
	FilesRoot           string     `yaml:"filesRoot"`
	Shell               string     `yaml:"shell"`
	CDPPort             int        `yaml:"cdpPort"`
	BrowserAgentCommand string     `yaml:"browserAgentCommand"`
	AllowedOrigins      []string   `yaml:"allowedOrigins"`
	Services            []Service  `yaml:"services"`
	Auth                AuthConfig `yaml:"auth"`
	Log                 LogConfig  `yaml:"log"`
}

const (
	DefaultWorkerPort = "39377"
	DefaultDaemonPort = "39383"
)

func defaultAuth() AuthConfig {
	return AuthConfig{
		TokenFile:  "/var/run/cmux/auth-token",
		BootIDFile: "/proc/sys/kernel/random/boot_id",
	}
}

// DefaultWorker returns the built-in worker defaults.
func DefaultWorker() WorkerConfig {
	return WorkerConfig{
		ListenAddr:        ":" + DefaultWorkerPort,
		HeartbeatInterval: 30 * time.Second,
		QueueTTL:          30 * time.Minute,
		SweepInterval:     30 * time.Second,
		Capabilities: Capabilities{
			MaxConcurrentTerminals: 10,
			SupportedLanguages:     []string{"javascript", "typescript", "python", "go", "rust"},
		},
		Container: ContainerInfo{
			Image:    "cmux-worker",
			Version:  "dev",
			Platform: "linux",
		},
		PTYServerURL:     "http://127.0.0.1:" + DefaultDaemonPort + "/pty-server",
		LifecycleDir:     "/root/lifecycle",
		StateDir:         "/var/lib/cmux",
		CodexSessionsDir: "/root/.codex/sessions",
		IdleTimeout:      15 * time.Second,
		PostStartTimeout: 60 * time.Second,
		Auth:             defaultAuth(),
		Log:              LogConfig{Level: "info", Format: "json"},
	}
}

// DefaultDaemon returns the built-in sandbox daemon defaults.
func DefaultDaemon() DaemonConfig {
	return DaemonConfig{
		ListenAddr:     ":" + DefaultDaemonPort,
		SSHAddr:        "127.0.0.1:10000",
		SSHUser:        "root",
		SSHHostKeyPath: "/var/lib/cmux/ssh_host_ed25519_key",
		FilesRoot:      "/",
		CDPPort:        9222,
		Auth:           defaultAuth(),
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// LoadWorker applies the YAML file (if path is non-empty) and environment
// over the defaults.
func LoadWorker(path string) (WorkerConfig, error) {
	cfg := DefaultWorker()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.WorkerID = getEnv("WORKER_ID", cfg.WorkerID)
	if port := os.Getenv("WORKER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.OrchestratorURL = getEnv("CMUX_ORCHESTRATOR_URL", cfg.OrchestratorURL)
	cfg.ManagementToken = getEnv("CMUX_MANAGEMENT_TOKEN", cfg.ManagementToken)
	cfg.HeartbeatInterval = getEnvDuration("CMUX_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.QueueTTL = getEnvDuration("CMUX_QUEUE_TTL", cfg.QueueTTL)
	cfg.Capabilities.MaxConcurrentTerminals = getEnvInt("CMUX_MAX_TERMINALS", cfg.Capabilities.MaxConcurrentTerminals)
	cfg.Container.Image = getEnv("CONTAINER_IMAGE", cfg.Container.Image)
	cfg.Container.Version = getEnv("CONTAINER_VERSION", cfg.Container.Version)
	cfg.PTYServerURL = getEnv("CMUX_PTY_SERVER_URL", cfg.PTYServerURL)
	cfg.LifecycleDir = getEnv("CMUX_LIFECYCLE_DIR", cfg.LifecycleDir)
	cfg.StateDir = getEnv("CMUX_STATE_DIR", cfg.StateDir)
	cfg.IdleTimeout = getEnvDuration("CMUX_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.Auth = authFromEnv(cfg.Auth)
	cfg.Log = logFromEnv(cfg.Log)
	return cfg, cfg.Validate()
}

// LoadDaemon applies the YAML file (if path is non-empty) and environment
// over the defaults.
func LoadDaemon(path string) (DaemonConfig, error) {
	cfg := DefaultDaemon()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.SSHAddr = getEnv("CMUX_SSH_ADDR", cfg.SSHAddr)
	cfg.SSHUser = getEnv("CMUX_SSH_USER", cfg.SSHUser)
	cfg.FilesRoot = getEnv("CMUX_FILES_ROOT", cfg.FilesRoot)
	cfg.Shell = getEnv("SHELL", cfg.Shell)
	cfg.CDPPort = getEnvInt("CMUX_CDP_PORT", cfg.CDPPort)
	cfg.BrowserAgentCommand = getEnv("CMUX_BROWSER_AGENT_CMD", cfg.BrowserAgentCommand)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.Auth = authFromEnv(cfg.Auth)
	cfg.Log = logFromEnv(cfg.Log)
	return cfg, cfg.Validate()
}

// Validate rejects settings that would make the worker unusable.
func (c WorkerConfig) Validate() error {
	if c.ListenAddr == "" && c.OrchestratorURL == "" {
		return fmt.Errorf("config: worker needs a listen address or an orchestrator url")
	}
	if c.QueueTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: queue ttl and sweep interval must be positive")
	}
	if c.Capabilities.MaxConcurrentTerminals <= 0 {
		return fmt.Errorf("config: maxConcurrentTerminals must be positive")
	}
	return nil
}

// Validate rejects settings that would make the daemon unusable.
func (c DaemonConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: daemon listen address is required")
	}
	if c.Auth.TokenFile == "" {
		return fmt.Errorf("config: auth token file is required")
	}
	return nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func authFromEnv(a AuthConfig) AuthConfig {
	a.TokenFile = getEnv("CMUX_AUTH_TOKEN_FILE", a.TokenFile)
	a.BootIDFile = getEnv("CMUX_BOOT_ID_FILE", a.BootIDFile)
	return a
}

func logFromEnv(l LogConfig) LogConfig {
	l.Level = getEnv("LOG_LEVEL", l.Level)
	l.Format = getEnv("LOG_FORMAT", l.Format)
	return l
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
