// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package completion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// markerPoll backs up fsnotify in case the directory is replaced under the
// watch.
const markerPoll = 2 * time.Second

// MarkerDetector fires when the agent's stop hook drops
// <dir>/<agent>-complete-<taskRunId>.
type MarkerDetector struct {
	agent string
	dir   string
}

// NewMarkerDetector watches dir for the agent's completion marker.
func NewMarkerDetector(agent, dir string) *MarkerDetector {
	return &MarkerDetector{agent: agent, dir: dir}
}

func (d *MarkerDetector) Name() string { return d.agent + "-marker" }

// MarkerPath returns the marker file for a task run.
func (d *MarkerDetector) MarkerPath(taskRunID string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-complete-%s", d.agent, taskRunID))
}

func (d *MarkerDetector) Wait(ctx context.Context, target Target) (Result, error) {
	if target.TaskRunID == "" {
		return Result{}, fmt.Errorf("completion: %s marker needs a task run id", d.agent)
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return Result{}, fmt.Errorf("completion: lifecycle dir: %w", err)
	}
	marker := d.MarkerPath(target.TaskRunID)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, fmt.Errorf("completion: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return Result{}, fmt.Errorf("completion: watch %s: %w", d.dir, err)
	}

	found := func() (Result, bool) {
		if _, err := os.Stat(marker); err == nil {
			return Result{DetectedBy: d.Name(), At: time.Now()}, true
		}
		return Result{}, false
	}
	// The marker may predate the watch.
	if res, ok := found(); ok {
		return res, nil
	}

	ticker := time.NewTicker(markerPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, fmt.Errorf("completion: watcher closed")
			}
			if event.Name == marker && event.Has(fsnotify.Create|fsnotify.Write) {
				return Result{DetectedBy: d.Name(), At: time.Now()}, nil
			}
		case <-watcher.Errors:
		case <-ticker.C:
			if res, ok := found(); ok {
				return res, nil
			}
		}
	}
}
