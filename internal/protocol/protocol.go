// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package protocol defines the management channel wire format between the
// orchestrator and a worker.
//
// Every frame is a JSON Envelope. Requests from the orchestrator carry an id
// and are answered with an "ack" envelope that echoes it. Inbound events are
// decoded into one concrete Message type per event name, so dispatch is a
// type switch rather than a lookup of handler functions by string.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// Event names. Worker-to-orchestrator events first, then inbound requests.
const (
	EventAck             = "ack"
	EventRegister        = "worker:register"
	EventHeartbeat       = "worker:heartbeat"
	EventTerminalCreated = "worker:terminal-created"
	EventTerminalOutput  = "worker:terminal-output"
	EventTerminalExit    = "worker:terminal-exit"
	EventTerminalIdle    = "worker:terminal-idle"
	EventTerminalFailed  = "worker:terminal-failed"
	EventTaskComplete    = "worker:task-complete"
	EventFileChanges     = "worker:file-changes"
	EventCloudSyncStatus = "worker:cloud-sync-status"
	EventError           = "worker:error"

	EventCreateTerminal       = "worker:create-terminal"
	EventTerminalInput        = "worker:terminal-input"
	EventResizeTerminal       = "worker:resize-terminal"
	EventCloseTerminal        = "worker:close-terminal"
	EventUploadFiles          = "worker:upload-files"
	EventConfigureGit         = "worker:configure-git"
	EventExec                 = "worker:exec"
	EventStartFileWatch       = "worker:start-file-watch"
	EventStopFileWatch        = "worker:stop-file-watch"
	EventStartCloudSync       = "worker:start-cloud-sync"
	EventStopCloudSync        = "worker:stop-cloud-sync"
	EventRequestFullCloudSync = "worker:request-full-cloud-sync"
	EventCheckDocker          = "worker:check-docker"
	EventShutdown             = "worker:shutdown"
)

// Envelope is one frame on the management socket.
type Envelope struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a fire-and-forget envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// AckFor builds the reply to a request envelope.
func AckFor(req Envelope, data any) (Envelope, error) {
	env, err := NewEnvelope(EventAck, data)
	if err != nil {
		return Envelope{}, err
	}
	env.Ack = req.ID
	return env, nil
}

// ErrorReply is the ack payload for a request that failed.
type ErrorReply struct {
	Error string `json:"error"`
}

// Message is implemented by every inbound request type.
type Message interface {
	Event() string
	Validate() error
}

// Decode turns an inbound envelope into its typed message and validates it.
// Unknown events and malformed payloads wrap errdefs.ErrValidation.
func Decode(env Envelope) (Message, error) {
	var msg Message
	switch env.Event {
	case EventCreateTerminal:
		msg = &CreateTerminal{}
	case EventTerminalInput:
		msg = &TerminalInput{}
	case EventResizeTerminal:
		msg = &ResizeTerminal{}
	case EventCloseTerminal:
		msg = &CloseTerminal{}
	case EventUploadFiles:
		msg = &UploadFiles{}
	case EventConfigureGit:
		msg = &ConfigureGit{}
	case EventExec:
		msg = &Exec{}
	case EventStartFileWatch:
		msg = &StartFileWatch{}
	case EventStopFileWatch:
		msg = &StopFileWatch{}
	case EventStartCloudSync:
		msg = &StartCloudSync{}
	case EventStopCloudSync:
		msg = &StopCloudSync{}
	case EventRequestFullCloudSync:
		msg = &RequestFullCloudSync{}
	case EventCheckDocker:
		msg = &CheckDocker{}
	case EventShutdown:
		msg = &Shutdown{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", errdefs.ErrValidation, env.Event)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", errdefs.ErrValidation, env.Event, err)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
