// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package completion

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const rolloutPoll = time.Second

// CodexRolloutDetector tails the codex JSONL rollout files written after the
// session started and fires on a task_complete event.
type CodexRolloutDetector struct {
	dir string
}

// NewCodexRolloutDetector watches the codex sessions directory.
func NewCodexRolloutDetector(dir string) *CodexRolloutDetector {
	return &CodexRolloutDetector{dir: dir}
}

func (d *CodexRolloutDetector) Name() string { return "codex-rollout" }

type rolloutLine struct {
	Type    string `json:"type"`
	Payload struct {
		Type string `json:"type"`
	} `json:"payload"`
}

// IsTaskComplete reports whether one rollout line marks the end of a task.
func IsTaskComplete(line []byte) bool {
	var l rolloutLine
	if err := json.Unmarshal(line, &l); err != nil {
		return false
	}
	return l.Type == "task_complete" || l.Payload.Type == "task_complete"
}

func (d *CodexRolloutDetector) Wait(ctx context.Context, target Target) (Result, error) {
	offsets := make(map[string]int64)
	ticker := time.NewTicker(rolloutPoll)
	defer ticker.Stop()
	for {
		if d.scan(target.StartedAt, offsets) {
			return Result{DetectedBy: d.Name(), At: time.Now()}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan reads new lines from rollout files modified since start.
func (d *CodexRolloutDetector) scan(start time.Time, offsets map[string]int64) bool {
	complete := false
	filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || complete {
			return nil
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(start) {
			return nil
		}
		if tailForCompletion(path, offsets) {
			complete = true
			return filepath.SkipAll
		}
		return nil
	})
	return complete
}

func tailForCompletion(path string, offsets map[string]int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if _, err := f.Seek(offsets[path], io.SeekStart); err != nil {
		return false
	}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Leave a partial last line for the next pass.
			return false
		}
		offsets[path] += int64(len(line))
		if IsTaskComplete(line) {
			return true
		}
	}
}
