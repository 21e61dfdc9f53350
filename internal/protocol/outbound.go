// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package protocol

// Capabilities describes what a worker can run.
type Capabilities struct {
	MaxConcurrentTerminals int      `json:"maxConcurrentTerminals"`
	SupportedLanguages     []string `json:"supportedLanguages"`
	MemoryMB               int      `json:"memoryMB"`
	CPUCores               int      `json:"cpuCores"`
}

// ContainerInfo identifies the image the worker runs in.
type ContainerInfo struct {
	Image    string `json:"image"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// WorkerIdentity is sent as worker:register on every connection.
type WorkerIdentity struct {
	WorkerID      string        `json:"workerId"`
	Capabilities  Capabilities  `json:"capabilities"`
	ContainerInfo ContainerInfo `json:"containerInfo"`
}

type Heartbeat struct {
	Timestamp       int64 `json:"timestamp"`
	ActiveTerminals int   `json:"activeTerminals"`
	UptimeMs        int64 `json:"uptimeMs"`
}

type TerminalCreated struct {
	TerminalID string `json:"terminalId"`
	Backend    string `json:"backend"`
	TaskRunID  string `json:"taskRunId,omitempty"`
}

type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type TerminalExit struct {
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
	Signal     string `json:"signal,omitempty"`
}

type TerminalIdle struct {
	TerminalID string `json:"terminalId"`
	TaskRunID  string `json:"taskRunId,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

type TerminalFailed struct {
	TerminalID string `json:"terminalId"`
	TaskRunID  string `json:"taskRunId,omitempty"`
	Error      string `json:"error"`
}

type TaskComplete struct {
	TerminalID string `json:"terminalId"`
	TaskRunID  string `json:"taskRunId"`
	AgentModel string `json:"agentModel,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
	DetectedBy string `json:"detectedBy"`
}

// FileChange is one entry of worker:file-changes.
type FileChange struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type FileChanges struct {
	TaskRunID    string       `json:"taskRunId"`
	WorktreePath string       `json:"worktreePath"`
	Changes      []FileChange `json:"changes"`
	Timestamp    int64        `json:"timestamp"`
}

type CloudSyncStatus struct {
	SyncID          string `json:"syncId"`
	Status          string `json:"status"`
	FilesDownloaded int    `json:"filesDownloaded"`
	FilesUploaded   int    `json:"filesUploaded"`
	Error           string `json:"error,omitempty"`
}

// WorkerError reports a background failure that has no request to ack.
type WorkerError struct {
	Message    string `json:"message"`
	Event      string `json:"event,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
}

// ExecResult answers worker:exec. A non-zero exit is data, not an error.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// DockerStatus answers worker:check-docker.
type DockerStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
}
