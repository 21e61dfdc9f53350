package tmux

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeSessionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"term-1_ok", "term-1_ok"},
		{"task/run:42", "task_run_42"},
		{"a.b c", "a_b_c"},
		{"ünïcode", "_n_code"},
		{"", "_"},
	}
	for _, tt := range tests {
		got := SanitizeSessionName(tt.in)
		if got != tt.want {
			t.Errorf("SanitizeSessionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := SanitizeSessionName(got); again != got {
			t.Errorf("not idempotent: %q -> %q", got, again)
		}
	}
}

func TestAttachArgs(t *testing.T) {
	s := NewServer("/tmp/x.sock", "/etc/cmux/tmux.conf")
	got := strings.Join(s.AttachArgs(AttachOptions{
		Session: "t1",
		Cols:    120,
		Rows:    40,
		Cwd:     "/work",
		Env:     []string{"TERM=xterm-256color"},
		Command: []string{"echo", "hi"},
	}), " ")
	want := "-f /etc/cmux/tmux.conf -S /tmp/x.sock new-session -A -s t1 -x 120 -y 40 -c /work -e TERM=xterm-256color echo hi"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	if !Available() {
		t.Skip("tmux not installed")
	}
	dir, err := os.MkdirTemp("/tmp", "cmux-tmux-")
	if err != nil {
		t.Fatal(err)
	}
	s, err := EnsureConfig(filepath.Join(dir, "s.sock"), filepath.Join(dir, "tmux.conf"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.KillServer()
		os.RemoveAll(dir)
	})
	return s
}

func TestPaneStatusAfterExit(t *testing.T) {
	s := newTestServer(t)
	if err := s.NewSession("done", "sh", "-c", "exit 7"); err != nil {
		t.Fatalf("new-session: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		dead, code, err := s.PaneStatus("done")
		if err != nil {
			t.Fatalf("PaneStatus: %v", err)
		}
		if dead {
			if code != 7 {
				t.Errorf("exit code = %d, want 7", code)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pane never died")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := s.KillSession("done"); err != nil {
		t.Fatal(err)
	}
	if s.HasSession("done") {
		t.Error("session survived KillSession")
	}
	if err := s.KillSession("done"); err != nil {
		t.Errorf("second kill should be a no-op: %v", err)
	}
}
