// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package completion

import (
	"context"
	"time"

	"github.com/Hyper-Int/cmux/internal/clock"
)

// Clock is the time source detectors use.
type Clock = clock.Clock

// DefaultIdleTimeout is the quiet period after which a run counts as done.
const DefaultIdleTimeout = 15 * time.Second

// IdleDetector fires once a session has produced no output for the timeout.
type IdleDetector struct {
	timeout time.Duration
	clock   Clock
}

// NewIdleDetector returns an idle detector. Zero values select
// DefaultIdleTimeout and the real clock.
func NewIdleDetector(timeout time.Duration, clk Clock) *IdleDetector {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &IdleDetector{timeout: timeout, clock: clk}
}

func (d *IdleDetector) Name() string { return "idle" }

// Wait checks once a second. The quiet period counts from the later of the
// session start and its last output.
func (d *IdleDetector) Wait(ctx context.Context, target Target) (Result, error) {
	ticker := d.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
			last := target.StartedAt
			if target.Activity != nil {
				if t := target.Activity.LastOutput(); t.After(last) {
					last = t
				}
			}
			now := d.clock.Now()
			if now.Sub(last) >= d.timeout {
				return Result{DetectedBy: d.Name(), At: now}, nil
			}
		}
	}
}
