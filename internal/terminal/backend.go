// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package terminal

import (
	"context"

	"github.com/Hyper-Int/cmux/internal/protocol"
)

// LaunchOptions is what a backend needs to start a session.
type LaunchOptions struct {
	TerminalID string
	Cols       int
	Rows       int
	Cwd        string
	Command    string
	Args       []string
	// Env is KEY=VALUE pairs on top of the worker's environment.
	Env []string
}

// Callbacks receive session output and the exit code. OnExit is called
// exactly once.
type Callbacks struct {
	OnOutput func(data []byte)
	OnExit   func(code int)
}

// CommandFailure describes a startup or post-start command that failed.
type CommandFailure struct {
	Command string
	Err     error
}

// Handle controls a started session.
type Handle interface {
	Write(ctx context.Context, data []byte) error
	Resize(ctx context.Context, cols, rows int) error
	Close(ctx context.Context) error
	// RunStartup runs the startup chain. A failure stops the remaining
	// startup commands only.
	RunStartup(ctx context.Context, commands []string) error
	// RunPostStart runs post-start commands in order and returns the
	// failures; it stops early at a failure without continueOnError.
	RunPostStart(ctx context.Context, commands []protocol.PostStartCommand) []CommandFailure
}

// Backend starts sessions.
type Backend interface {
	Name() string
	Start(ctx context.Context, launch LaunchOptions, cb Callbacks) (Handle, error)
}
