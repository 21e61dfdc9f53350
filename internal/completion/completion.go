// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package completion decides when an agent run inside a terminal is done,
// independently of the process exiting. Detectors are registered per agent
// name and resolved once per session.
package completion

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Hyper-Int/cmux/internal/protocol"
)

// Activity exposes when a session last produced output.
type Activity interface {
	LastOutput() time.Time
}

// Target is the session a detector watches.
type Target struct {
	TerminalID string
	TaskRunID  string
	AgentModel string
	Backend    string
	StartedAt  time.Time
	Activity   Activity
}

// Result is what a detector reports when it fires.
type Result struct {
	DetectedBy string
	At         time.Time
}

// Detector blocks until the run in target completes or ctx ends.
type Detector interface {
	Name() string
	Wait(ctx context.Context, target Target) (Result, error)
}

// Completion is handed to the downstream completion workflow.
type Completion struct {
	TerminalID string
	TaskRunID  string
	AgentModel string
	Elapsed    time.Duration
	DetectedBy string
}

// Handler runs the completion workflow for a finished run.
type Handler interface {
	TaskComplete(ctx context.Context, c Completion) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c Completion) error

func (f HandlerFunc) TaskComplete(ctx context.Context, c Completion) error { return f(ctx, c) }

// AgentName returns the agent part of a model id: "claude/opus-4" -> "claude".
func AgentName(agentModel string) string {
	name, _, _ := strings.Cut(agentModel, "/")
	return strings.ToLower(strings.TrimSpace(name))
}

// Registry maps agent names to detectors.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	idle      Detector
}

// NewRegistry creates a registry with the given idle fallback (nil for none).
func NewRegistry(idle Detector) *Registry {
	return &Registry{detectors: make(map[string]Detector), idle: idle}
}

// Register binds a detector to an agent name, replacing any previous one.
func (r *Registry) Register(agent string, d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[strings.ToLower(agent)] = d
}

// Resolve picks the detector for a session: the agent's own detector when
// one is registered, otherwise the idle fallback, which only applies to tmux
// sessions.
func (r *Registry) Resolve(agentModel, backend string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agentModel != "" {
		if d, ok := r.detectors[AgentName(agentModel)]; ok {
			return d, true
		}
	}
	if r.idle != nil && backend == protocol.BackendTmux {
		return r.idle, true
	}
	return nil, false
}

// Options configures DefaultRegistry.
type Options struct {
	LifecycleDir     string
	CodexSessionsDir string
	IdleTimeout      time.Duration
	Clock            Clock
}

// DefaultRegistry registers the built-in agents.
func DefaultRegistry(opts Options) *Registry {
	r := NewRegistry(NewIdleDetector(opts.IdleTimeout, opts.Clock))
	for _, agent := range []string{"claude", "gemini", "opencode", "amp"} {
		r.Register(agent, NewMarkerDetector(agent, opts.LifecycleDir))
	}
	r.Register("codex", AnyOf(
		NewMarkerDetector("codex", opts.LifecycleDir),
		NewCodexRolloutDetector(opts.CodexSessionsDir),
	))
	return r
}

// anyOf resolves with whichever detector fires first.
type anyOf struct {
	detectors []Detector
}

// AnyOf combines detectors; the first result wins and the rest are
// cancelled.
func AnyOf(detectors ...Detector) Detector {
	return &anyOf{detectors: detectors}
}

func (a *anyOf) Name() string {
	names := make([]string, len(a.detectors))
	for i, d := range a.detectors {
		names[i] = d.Name()
	}
	return strings.Join(names, "|")
}

func (a *anyOf) Wait(ctx context.Context, target Target) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, len(a.detectors))
	for _, d := range a.detectors {
		go func(d Detector) {
			res, err := d.Wait(ctx, target)
			results <- outcome{res, err}
		}(d)
	}

	var firstErr error
	for range a.detectors {
		o := <-results
		if o.err == nil {
			return o.res, nil
		}
		if firstErr == nil && ctx.Err() == nil {
			firstErr = o.err
		}
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return Result{}, firstErr
}
