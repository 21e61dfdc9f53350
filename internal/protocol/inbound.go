// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package protocol

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

const maxTerminalDimension = 1000

// Backend names accepted in create-terminal.
const (
	BackendTmux = "tmux"
	BackendPTY  = "pty"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errdefs.ErrValidation}, args...)...)
}

// AuthFile is written to disk before a terminal starts.
type AuthFile struct {
	DestinationPath string `json:"destinationPath"`
	ContentBase64   string `json:"contentBase64"`
	Mode            string `json:"mode,omitempty"`
}

// PostStartCommand runs after the session's main process is up.
type PostStartCommand struct {
	Description     string `json:"description"`
	Command         string `json:"command"`
	TimeoutMs       int    `json:"timeoutMs,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// CreateTerminal asks the worker to start a terminal session.
type CreateTerminal struct {
	TerminalID        string             `json:"terminalId"`
	Cols              int                `json:"cols"`
	Rows              int                `json:"rows"`
	Cwd               string             `json:"cwd"`
	Command           string             `json:"command,omitempty"`
	Args              []string           `json:"args,omitempty"`
	Env               map[string]string  `json:"env,omitempty"`
	TaskRunID         string             `json:"taskRunId,omitempty"`
	AgentModel        string             `json:"agentModel,omitempty"`
	Backend           string             `json:"backend,omitempty"`
	AuthFiles         []AuthFile         `json:"authFiles,omitempty"`
	StartupCommands   []string           `json:"startupCommands,omitempty"`
	PostStartCommands []PostStartCommand `json:"postStartCommands,omitempty"`
}

func (*CreateTerminal) Event() string { return EventCreateTerminal }

func (m *CreateTerminal) Validate() error {
	if strings.TrimSpace(m.TerminalID) == "" {
		return invalid("terminalId is required")
	}
	if m.Cols <= 0 || m.Cols > maxTerminalDimension {
		return invalid("cols must be between 1 and %d", maxTerminalDimension)
	}
	if m.Rows <= 0 || m.Rows > maxTerminalDimension {
		return invalid("rows must be between 1 and %d", maxTerminalDimension)
	}
	if m.Cwd != "" && !path.IsAbs(m.Cwd) {
		return invalid("cwd must be an absolute path")
	}
	switch m.Backend {
	case "", BackendTmux, BackendPTY:
	default:
		return invalid("unknown backend %q", m.Backend)
	}
	for i, f := range m.AuthFiles {
		if f.DestinationPath == "" {
			return invalid("authFiles[%d].destinationPath is required", i)
		}
		if _, err := base64.StdEncoding.DecodeString(f.ContentBase64); err != nil {
			return invalid("authFiles[%d].contentBase64: %v", i, err)
		}
	}
	for i, c := range m.StartupCommands {
		if strings.TrimSpace(c) == "" {
			return invalid("startupCommands[%d] is empty", i)
		}
	}
	for i, c := range m.PostStartCommands {
		if strings.TrimSpace(c.Command) == "" {
			return invalid("postStartCommands[%d].command is required", i)
		}
		if c.TimeoutMs < 0 {
			return invalid("postStartCommands[%d].timeoutMs must not be negative", i)
		}
	}
	return nil
}

// TerminalInput writes raw input to a session.
type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

func (*TerminalInput) Event() string { return EventTerminalInput }

func (m *TerminalInput) Validate() error {
	if m.TerminalID == "" {
		return invalid("terminalId is required")
	}
	return nil
}

// ResizeTerminal changes a session's window size.
type ResizeTerminal struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (*ResizeTerminal) Event() string { return EventResizeTerminal }

func (m *ResizeTerminal) Validate() error {
	if m.TerminalID == "" {
		return invalid("terminalId is required")
	}
	if m.Cols <= 0 || m.Rows <= 0 || m.Cols > maxTerminalDimension || m.Rows > maxTerminalDimension {
		return invalid("cols and rows must be between 1 and %d", maxTerminalDimension)
	}
	return nil
}

// CloseTerminal ends a session.
type CloseTerminal struct {
	TerminalID string `json:"terminalId"`
}

func (*CloseTerminal) Event() string { return EventCloseTerminal }

func (m *CloseTerminal) Validate() error {
	if m.TerminalID == "" {
		return invalid("terminalId is required")
	}
	return nil
}

// File actions for upload-files.
const (
	FileActionWrite  = "write"
	FileActionDelete = "delete"
)

// UploadFile is one entry of an upload-files batch.
type UploadFile struct {
	DestinationPath string `json:"destinationPath"`
	ContentBase64   string `json:"contentBase64,omitempty"`
	Action          string `json:"action,omitempty"`
	Mode            string `json:"mode,omitempty"`
}

// UploadFiles writes or deletes files on the worker.
type UploadFiles struct {
	Files []UploadFile `json:"files"`
}

func (*UploadFiles) Event() string { return EventUploadFiles }

// Validate only checks batch shape; per-file problems are reported in the
// batch result so one bad entry does not reject the rest.
func (m *UploadFiles) Validate() error {
	if len(m.Files) == 0 {
		return invalid("files is empty")
	}
	return nil
}

// SSHKeys are installed into ~/.ssh by configure-git.
type SSHKeys struct {
	PrivateKey string `json:"privateKey,omitempty"`
	PublicKey  string `json:"publicKey,omitempty"`
	KnownHosts string `json:"knownHosts,omitempty"`
}

// ConfigureGit sets git identity, credentials and SSH keys.
type ConfigureGit struct {
	GithubToken string            `json:"githubToken,omitempty"`
	GitConfig   map[string]string `json:"gitConfig,omitempty"`
	SSHKeys     *SSHKeys          `json:"sshKeys,omitempty"`
}

func (*ConfigureGit) Event() string { return EventConfigureGit }

func (m *ConfigureGit) Validate() error {
	for k := range m.GitConfig {
		if k == "" || strings.ContainsAny(k, " \t\n") {
			return invalid("invalid git config key %q", k)
		}
	}
	return nil
}

// Exec runs a command and returns its output.
type Exec struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

func (*Exec) Event() string { return EventExec }

func (m *Exec) Validate() error {
	if strings.TrimSpace(m.Command) == "" {
		return invalid("command is required")
	}
	if m.TimeoutMs < 0 {
		return invalid("timeoutMs must not be negative")
	}
	return nil
}

// StartFileWatch watches a worktree and reports changes.
type StartFileWatch struct {
	TaskRunID    string `json:"taskRunId"`
	WorktreePath string `json:"worktreePath"`
}

func (*StartFileWatch) Event() string { return EventStartFileWatch }

func (m *StartFileWatch) Validate() error {
	if m.TaskRunID == "" {
		return invalid("taskRunId is required")
	}
	if !path.IsAbs(m.WorktreePath) {
		return invalid("worktreePath must be an absolute path")
	}
	return nil
}

// StopFileWatch stops a watch started by StartFileWatch.
type StopFileWatch struct {
	TaskRunID string `json:"taskRunId"`
}

func (*StopFileWatch) Event() string { return EventStopFileWatch }

func (m *StopFileWatch) Validate() error {
	if m.TaskRunID == "" {
		return invalid("taskRunId is required")
	}
	return nil
}

// StartCloudSync mirrors a remote sandbox workspace into LocalPath.
type StartCloudSync struct {
	SyncID         string `json:"syncId"`
	LocalPath      string `json:"localPath"`
	RemoteURL      string `json:"remoteUrl"`
	RemoteToken    string `json:"remoteToken"`
	RemotePath     string `json:"remotePath"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
}

func (*StartCloudSync) Event() string { return EventStartCloudSync }

func (m *StartCloudSync) Validate() error {
	if m.SyncID == "" {
		return invalid("syncId is required")
	}
	if !path.IsAbs(m.LocalPath) {
		return invalid("localPath must be an absolute path")
	}
	if !strings.HasPrefix(m.RemoteURL, "http://") && !strings.HasPrefix(m.RemoteURL, "https://") {
		return invalid("remoteUrl must be an http(s) URL")
	}
	if m.PollIntervalMs < 0 {
		return invalid("pollIntervalMs must not be negative")
	}
	return nil
}

// StopCloudSync ends a cloud sync session.
type StopCloudSync struct {
	SyncID string `json:"syncId"`
}

func (*StopCloudSync) Event() string { return EventStopCloudSync }

func (m *StopCloudSync) Validate() error {
	if m.SyncID == "" {
		return invalid("syncId is required")
	}
	return nil
}

// RequestFullCloudSync forgets sync records and downloads everything again.
type RequestFullCloudSync struct {
	SyncID string `json:"syncId"`
}

func (*RequestFullCloudSync) Event() string { return EventRequestFullCloudSync }

func (m *RequestFullCloudSync) Validate() error {
	if m.SyncID == "" {
		return invalid("syncId is required")
	}
	return nil
}

// CheckDocker reports whether the Docker daemon answers.
type CheckDocker struct{}

func (*CheckDocker) Event() string  { return EventCheckDocker }
func (*CheckDocker) Validate() error { return nil }

// Shutdown asks the worker process to exit.
type Shutdown struct{}

func (*Shutdown) Event() string  { return EventShutdown }
func (*Shutdown) Validate() error { return nil }
