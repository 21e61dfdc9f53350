package terminal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/completion"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/tmux"
)

type event struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Emit(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, event{name, payload})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		if e.name == protocol.EventTerminalOutput {
			continue
		}
		out = append(out, e.name)
	}
	return out
}

func (r *recorder) find(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e.payload, true
		}
	}
	return nil, false
}

// waitFor blocks until an event with the given name has been emitted.
func (r *recorder) waitFor(t *testing.T, name string, timeout time.Duration) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if p, ok := r.find(name); ok {
			return p
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("no %s event; got %v", name, r.names())
			return nil
		}
	}
}

type fakeBackend struct {
	name     string
	healthy  bool
	startErr error

	mu       sync.Mutex
	launches []LaunchOptions
	handles  []*fakeHandle
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Healthy(context.Context) bool { return b.healthy }

func (b *fakeBackend) Start(_ context.Context, launch LaunchOptions, cb Callbacks) (Handle, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	h := &fakeHandle{cb: cb}
	b.mu.Lock()
	b.launches = append(b.launches, launch)
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBackend) last() (LaunchOptions, *fakeHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches[len(b.launches)-1], b.handles[len(b.handles)-1]
}

type fakeHandle struct {
	cb Callbacks

	mu      sync.Mutex
	input   []byte
	startup []string
	cols    int
	rows    int
	closed  bool
}

func (h *fakeHandle) Write(_ context.Context, data []byte) error {
	h.mu.Lock()
	h.input = append(h.input, data...)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Resize(_ context.Context, cols, rows int) error {
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	go h.cb.OnExit(0)
	return nil
}

func (h *fakeHandle) RunStartup(_ context.Context, commands []string) error {
	h.mu.Lock()
	h.startup = append(h.startup, commands...)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) RunPostStart(_ context.Context, commands []protocol.PostStartCommand) []CommandFailure {
	var failures []CommandFailure
	for _, c := range commands {
		if strings.HasPrefix(c.Command, "fail") {
			failures = append(failures, CommandFailure{Command: c.Command, Err: errors.New("boom")})
		}
	}
	return failures
}

func newTestManager(t *testing.T, tm, p Backend, opts Options) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts.Tmux = tm
	opts.PTY = p
	opts.Emitter = rec
	opts.Logger = logging.Nop()
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	return NewManager(opts), rec
}

func createReq(id string) *protocol.CreateTerminal {
	return &protocol.CreateTerminal{TerminalID: id, Cols: 80, Rows: 24, Backend: protocol.BackendTmux}
}

func TestCreateEmitsCreatedThenExit(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{})

	req := createReq("t1")
	req.TaskRunID = "run-1"
	req.Env = map[string]string{"FOO": "bar"}
	info, err := m.CreateTerminal(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	if info.Backend != protocol.BackendTmux || info.State != StateRunning {
		t.Errorf("info = %+v", info)
	}
	launch, h := tm.last()
	for _, want := range []string{"TERM=xterm-256color", "FOO=bar", "CMUX_TERMINAL_ID=t1", "CMUX_TASK_RUN_ID=run-1"} {
		if !contains(launch.Env, want) {
			t.Errorf("env %v missing %s", launch.Env, want)
		}
	}

	h.cb.OnOutput([]byte("hi\r\n"))
	h.cb.OnExit(0)

	got := rec.names()
	want := []string{protocol.EventTerminalCreated, protocol.EventTerminalExit}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if m.Count() != 0 {
		t.Errorf("Count after exit = %d", m.Count())
	}
}

func TestOutputEventsKeepSplitRunes(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{})
	if _, err := m.CreateTerminal(context.Background(), createReq("t1")); err != nil {
		t.Fatal(err)
	}
	_, h := tm.last()

	text := []byte("price: €5 ✓")
	cut := bytes.Index(text, []byte("€")) + 1
	h.cb.OnOutput(text[:cut])
	h.cb.OnOutput(text[cut : cut+1])
	h.cb.OnOutput(text[cut+1:])

	rec.mu.Lock()
	var got strings.Builder
	for _, e := range rec.events {
		if e.name != protocol.EventTerminalOutput {
			continue
		}
		data := e.payload.(protocol.TerminalOutput).Data
		if !utf8.ValidString(data) {
			t.Errorf("output event %q is not valid UTF-8", data)
		}
		got.WriteString(data)
	}
	rec.mu.Unlock()
	if got.String() != string(text) {
		t.Errorf("output = %q, want %q", got.String(), text)
	}
}

func TestPTYFallbackIsSilent(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	p := &fakeBackend{name: protocol.BackendPTY, healthy: false}
	m, rec := newTestManager(t, tm, p, Options{})

	req := createReq("t1")
	req.Backend = protocol.BackendPTY
	info, err := m.CreateTerminal(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	if info.Backend != protocol.BackendTmux {
		t.Errorf("backend = %s, want tmux", info.Backend)
	}
	if _, ok := rec.find(protocol.EventError); ok {
		t.Error("fallback emitted an error")
	}
	if len(p.launches) != 0 {
		t.Error("unhealthy pty backend was used")
	}

	p.healthy = true
	req = createReq("t2")
	req.Backend = protocol.BackendPTY
	if info, _ := m.CreateTerminal(context.Background(), req); info.Backend != protocol.BackendPTY {
		t.Errorf("healthy pty backend not used: %s", info.Backend)
	}
}

func TestSpawnFailureEmitsError(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux, startErr: errors.New("no such file")}
	m, rec := newTestManager(t, tm, nil, Options{})

	_, err := m.CreateTerminal(context.Background(), createReq("t1"))
	if !errors.Is(err, errdefs.ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
	p, ok := rec.find(protocol.EventError)
	if !ok {
		t.Fatal("no worker:error event")
	}
	if we := p.(protocol.WorkerError); we.TerminalID != "t1" {
		t.Errorf("error payload = %+v", we)
	}
	if _, ok := rec.find(protocol.EventTerminalCreated); ok {
		t.Error("terminal-created emitted for a failed spawn")
	}
	if m.Count() != 0 {
		t.Error("failed session kept")
	}
}

func TestCreateValidatesAndRejectsDuplicates(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, _ := newTestManager(t, tm, nil, Options{})

	bad := createReq("t1")
	bad.Cols = 0
	if _, err := m.CreateTerminal(context.Background(), bad); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("zero cols: %v", err)
	}
	if _, err := m.CreateTerminal(context.Background(), createReq("t1")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateTerminal(context.Background(), createReq("t1")); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("duplicate: %v", err)
	}
}

func TestNonZeroExitMarksFailed(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{})
	if _, err := m.CreateTerminal(context.Background(), createReq("t1")); err != nil {
		t.Fatal(err)
	}
	_, h := tm.last()
	h.cb.OnExit(137)

	exit := rec.waitFor(t, protocol.EventTerminalExit, time.Second).(protocol.TerminalExit)
	if exit.ExitCode != 137 || exit.Signal != "SIGKILL" {
		t.Errorf("exit = %+v", exit)
	}
	failed := rec.waitFor(t, protocol.EventTerminalFailed, time.Second).(protocol.TerminalFailed)
	if !strings.Contains(failed.Error, "137") {
		t.Errorf("failed = %+v", failed)
	}
}

func TestPipelineFailuresReported(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{})
	req := createReq("t1")
	req.StartupCommands = []string{"npm install"}
	req.PostStartCommands = []protocol.PostStartCommand{
		{Command: "fail-once", ContinueOnError: true},
		{Command: "true"},
	}
	if _, err := m.CreateTerminal(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	p := rec.waitFor(t, protocol.EventError, time.Second).(protocol.WorkerError)
	if !strings.Contains(p.Message, "fail-once") {
		t.Errorf("error = %+v", p)
	}
	_, h := tm.last()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.startup) != 1 || h.startup[0] != "npm install" {
		t.Errorf("startup = %v", h.startup)
	}
}

func TestWriteResizeCloseSnapshot(t *testing.T) {
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{})
	ctx := context.Background()
	if _, err := m.CreateTerminal(ctx, createReq("t1")); err != nil {
		t.Fatal(err)
	}
	_, h := tm.last()

	if err := m.Write(ctx, "t1", []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	if err := m.Resize(ctx, "t1", 100, 30); err != nil {
		t.Fatal(err)
	}
	if err := m.Resize(ctx, "t1", 0, 30); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("bad resize: %v", err)
	}
	if err := m.Write(ctx, "nope", nil); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("unknown terminal: %v", err)
	}
	h.mu.Lock()
	if string(h.input) != "ls\n" || h.cols != 100 || h.rows != 30 {
		t.Errorf("handle = %q %dx%d", h.input, h.cols, h.rows)
	}
	h.mu.Unlock()
	if info, _ := m.Get("t1"); info.Cols != 100 {
		t.Errorf("info not resized: %+v", info)
	}

	h.cb.OnOutput([]byte("\x1b[31mred\x1b[0m\r\nplain"))
	text, err := m.Snapshot("t1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "red\nplain" {
		t.Errorf("snapshot = %q", text)
	}

	if err := m.Close(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, protocol.EventTerminalExit, time.Second)
	if len(m.List()) != 0 {
		t.Errorf("List after close = %v", m.List())
	}
}

func TestIdleCompletionOnTmux(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	registry := completion.NewRegistry(completion.NewIdleDetector(15*time.Second, clk))
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{Detectors: registry, Clock: clk})

	req := createReq("t1")
	req.TaskRunID = "run-1"
	req.AgentModel = "unknown/model"
	if _, err := m.CreateTerminal(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	waitForWaiters(t, clk)

	deadline := time.Now().Add(2 * time.Second)
	for {
		clk.Advance(time.Second)
		if _, ok := rec.find(protocol.EventTaskComplete); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no task-complete; events %v", rec.names())
		}
		time.Sleep(time.Millisecond)
	}

	idle := rec.waitFor(t, protocol.EventTerminalIdle, time.Second).(protocol.TerminalIdle)
	if idle.TaskRunID != "run-1" || idle.ElapsedMs < 15000 {
		t.Errorf("idle = %+v", idle)
	}
	done := rec.waitFor(t, protocol.EventTaskComplete, time.Second).(protocol.TaskComplete)
	if done.DetectedBy != "idle" || done.AgentModel != "unknown/model" {
		t.Errorf("task-complete = %+v", done)
	}

	deadline = time.Now().Add(time.Second)
	for {
		info, _ := m.Get("t1")
		if info.State == StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want completed", info.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNoCompletionWithoutTaskRun(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	registry := completion.NewRegistry(completion.NewIdleDetector(15*time.Second, clk))
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, rec := newTestManager(t, tm, nil, Options{Detectors: registry, Clock: clk})
	if _, err := m.CreateTerminal(context.Background(), createReq("t1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if _, ok := rec.find(protocol.EventTerminalIdle); ok {
		t.Error("idle fired for a session without a task run")
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateRunning, StateIdleDetected, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateIdleDetected, StateCompleted, true},
		{StateIdleDetected, StateFailed, true},
		{StateIdleDetected, StateRunning, false},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateCompleted, false},
		{StateFailed, StateIdleDetected, false},
	}
	for _, tt := range tests {
		s := &Session{info: Info{State: tt.from}}
		if _, ok := s.transition(tt.to); ok != tt.ok {
			t.Errorf("%s -> %s: ok = %v, want %v", tt.from, tt.to, ok, tt.ok)
		}
	}
}

func TestExpandHome(t *testing.T) {
	tests := map[string]string{
		"~":                 "/home/u",
		"~/.claude/x.json":  "/home/u/.claude/x.json",
		"$HOME/.codex/auth": "/home/u/.codex/auth",
		"/etc/hosts":        "/etc/hosts",
		"relative":          "relative",
	}
	for in, want := range tests {
		if got := ExpandHome(in, "/home/u"); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAuthFilesWrittenBeforeStart(t *testing.T) {
	home := t.TempDir()
	tm := &fakeBackend{name: protocol.BackendTmux}
	m, _ := newTestManager(t, tm, nil, Options{Home: home})

	req := createReq("t1")
	req.AuthFiles = []protocol.AuthFile{
		{DestinationPath: "$HOME/.claude/creds.json", ContentBase64: base64.StdEncoding.EncodeToString([]byte("secret"))},
		{DestinationPath: "relative/path", ContentBase64: ""},
		{DestinationPath: "~/.config/gh/hosts.yml", ContentBase64: base64.StdEncoding.EncodeToString([]byte("gh")), Mode: "644"},
	}
	if _, err := m.CreateTerminal(context.Background(), req); err != nil {
		t.Fatalf("a bad auth file aborted the session: %v", err)
	}

	path := filepath.Join(home, ".claude", "creds.json")
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "secret" {
		t.Fatalf("creds = %q, %v", data, err)
	}
	if fi, _ := os.Stat(path); fi.Mode().Perm() != 0o600 {
		t.Errorf("default mode = %v", fi.Mode().Perm())
	}
	if fi, err := os.Stat(filepath.Join(home, ".config", "gh", "hosts.yml")); err != nil || fi.Mode().Perm() != 0o644 {
		t.Errorf("explicit mode file: %v", err)
	}
}

func TestTmuxEchoEndToEnd(t *testing.T) {
	if !tmux.Available() {
		t.Skip("tmux not installed")
	}
	dir := t.TempDir()
	server, err := tmux.EnsureConfig(filepath.Join(dir, "s.sock"), filepath.Join(dir, "tmux.conf"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.KillServer() })

	m, rec := newTestManager(t, NewTmuxBackend(server, 0, logging.Nop()), nil, Options{})
	req := createReq("t1")
	req.Command = "echo"
	req.Args = []string{"hi"}
	req.Cwd = dir
	if _, err := m.CreateTerminal(context.Background(), req); err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}

	exit := rec.waitFor(t, protocol.EventTerminalExit, 10*time.Second).(protocol.TerminalExit)
	if exit.ExitCode != 0 {
		t.Errorf("exit code = %d", exit.ExitCode)
	}
	names := rec.names()
	if len(names) == 0 || names[0] != protocol.EventTerminalCreated {
		t.Errorf("events = %v, want terminal-created first", names)
	}
	if _, ok := rec.find(protocol.EventTerminalFailed); ok {
		t.Error("clean exit reported as failed")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

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
