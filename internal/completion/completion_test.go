package completion

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

func TestAgentName(t *testing.T) {
	tests := map[string]string{
		"claude/opus-4": "claude",
		"codex/gpt-5":   "codex",
		"Gemini":        "gemini",
		"":              "",
		" amp/x/y ":     "amp",
	}
	for in, want := range tests {
		if got := AgentName(in); got != want {
			t.Errorf("AgentName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := DefaultRegistry(Options{LifecycleDir: t.TempDir(), CodexSessionsDir: t.TempDir()})

	d, ok := r.Resolve("claude/sonnet", protocol.BackendPTY)
	if !ok || d.Name() != "claude-marker" {
		t.Errorf("claude resolved to %v", d)
	}
	d, ok = r.Resolve("codex/gpt-5", protocol.BackendTmux)
	if !ok || d.Name() != "codex-marker|codex-rollout" {
		t.Errorf("codex resolved to %v", d)
	}
	d, ok = r.Resolve("mystery/model", protocol.BackendTmux)
	if !ok || d.Name() != "idle" {
		t.Errorf("unknown agent on tmux should fall back to idle, got %v", d)
	}
	if _, ok := r.Resolve("mystery/model", protocol.BackendPTY); ok {
		t.Error("idle fallback must not apply to pty sessions")
	}
}

func TestMarkerDetector(t *testing.T) {
	dir := t.TempDir()
	d := NewMarkerDetector("claude", dir)

	done := make(chan Result, 1)
	go func() {
		res, err := d.Wait(context.Background(), Target{TaskRunID: "run-1"})
		if err == nil {
			done <- res
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "claude-complete-run-1"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.DetectedBy != "claude-marker" {
			t.Errorf("DetectedBy = %q", res.DetectedBy)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("marker not detected")
	}
}

func TestMarkerDetectorPreexisting(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "amp-complete-r"), nil, 0644)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewMarkerDetector("amp", dir).Wait(ctx, Target{TaskRunID: "r"}); err != nil {
		t.Errorf("existing marker not seen: %v", err)
	}
}

func TestCodexRolloutDetector(t *testing.T) {
	dir := t.TempDir()
	day := filepath.Join(dir, "2026", "10", "15")
	os.MkdirAll(day, 0755)
	file := filepath.Join(day, "rollout-1.jsonl")
	os.WriteFile(file, []byte(`{"type":"event_msg","payload":{"type":"agent_message"}}`+"\n"), 0644)

	d := NewCodexRolloutDetector(dir)
	start := time.Now().Add(-time.Minute)
	done := make(chan struct{})
	go func() {
		if _, err := d.Wait(context.Background(), Target{StartedAt: start}); err == nil {
			close(done)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	f, _ := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"type":"event_msg","payload":{"type":"task_complete"}}` + "\n")
	f.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task_complete not detected")
	}
}

type fakeActivity struct{ last atomic.Int64 }

func (f *fakeActivity) LastOutput() time.Time { return time.Unix(0, f.last.Load()) }

func TestIdleDetector(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := clock.Fake(start)
	activity := &fakeActivity{}
	activity.last.Store(start.UnixNano())

	d := NewIdleDetector(15*time.Second, clk)
	done := make(chan Result, 1)
	go func() {
		res, _ := d.Wait(context.Background(), Target{StartedAt: start, Activity: activity})
		done <- res
	}()
	waitForWaiters(t, clk)

	clk.Advance(10 * time.Second)
	activity.last.Store(clk.Now().UnixNano())
	clk.Advance(10 * time.Second)
	select {
	case <-done:
		t.Fatal("fired despite recent output")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(6 * time.Second)
	select {
	case res := <-done:
		if res.DetectedBy != "idle" {
			t.Errorf("DetectedBy = %q", res.DetectedBy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle not detected")
	}
}

// waitForWaiters gives the detector goroutine time to create its ticker.
func waitForWaiters(t *testing.T, clk *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("detector never started")
		}
		time.Sleep(time.Millisecond)
	}
}
