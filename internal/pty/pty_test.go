package pty

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestScrollbackWrapsAndReadsFromOffset(t *testing.T) {
	s := NewScrollback(8)
	s.Write([]byte("abcdef"))
	if got := string(s.Bytes()); got != "abcdef" {
		t.Fatalf("Bytes = %q", got)
	}
	s.Write([]byte("ghijk"))
	if got := string(s.Bytes()); got != "defghijk" {
		t.Errorf("after wrap Bytes = %q, want defghijk", got)
	}
	if got := string(s.ReadFrom(9)); got != "jk" {
		t.Errorf("ReadFrom(9) = %q", got)
	}
	if got := string(s.ReadFrom(0)); got != "defghijk" {
		t.Errorf("ReadFrom before window = %q", got)
	}
	if s.ReadFrom(11) != nil {
		t.Error("ReadFrom(total) should be nil")
	}
	if s.Offset() != 11 {
		t.Errorf("Offset = %d", s.Offset())
	}
}

func TestScrollbackLargeWrite(t *testing.T) {
	s := NewScrollback(4)
	s.Write([]byte("0123456789"))
	if got := string(s.Bytes()); got != "6789" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestHubDeliversOutputAndExit(t *testing.T) {
	p, err := Start(Options{Command: "/bin/sh", Args: []string{"-c", "echo hello; exit 3"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	hub := NewHub(p, 0)

	exitCode := make(chan int, 1)
	hub.OnExit(func(code int) { exitCode <- code })

	out, ok := hub.Subscribe(false)
	if !ok {
		t.Fatal("subscribe failed")
	}
	go hub.Run()

	var output bytes.Buffer
	var exit ExitEvent
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case msg, open := <-out:
			if !open {
				break loop
			}
			if msg.IsBinary {
				output.Write(msg.Data)
			} else {
				json.Unmarshal(msg.Data, &exit)
			}
		case <-timeout:
			t.Fatal("timed out waiting for exit")
		}
	}

	if !strings.Contains(output.String(), "hello") {
		t.Errorf("output = %q", output.String())
	}
	if exit.Type != "exit" || exit.Code != 3 {
		t.Errorf("exit event = %+v", exit)
	}
	if code := <-exitCode; code != 3 {
		t.Errorf("OnExit code = %d", code)
	}
	if _, ok := hub.Subscribe(true); ok {
		t.Error("subscribe after exit should fail")
	}
	if !strings.Contains(string(hub.Scrollback()), "hello") {
		t.Error("scrollback missing output")
	}
}

func TestHubInputAndStop(t *testing.T) {
	p, err := Start(Options{Command: "/bin/cat", Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	hub := NewHub(p, 0)
	out, _ := hub.Subscribe(false)
	go hub.Run()

	if _, err := hub.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	var seen bytes.Buffer
	for !strings.Contains(seen.String(), "ping") {
		select {
		case msg := <-out:
			seen.Write(msg.Data)
		case <-deadline:
			t.Fatalf("echo not seen, got %q", seen.String())
		}
	}

	hub.Stop()
	select {
	case <-hub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not finish after Stop")
	}
}

func TestShellQuote(t *testing.T) {
	got := shellQuote([]string{"/bin/bash", "-lc", "echo 'hi' there"})
	want := `/bin/bash -lc 'echo '\''hi'\'' there'`
	if got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestSplitPartialRune(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		in       []byte
		complete string
		partial  string
	}{
		{[]byte("abc"), "abc", ""},
		{append([]byte("ab"), euro...), "ab€", ""},
		{append([]byte("ab"), euro[:1]...), "ab", "\xe2"},
		{append([]byte("ab"), euro[:2]...), "ab", "\xe2\x82"},
		{[]byte("ab\xff"), "ab\xff", ""},
		{[]byte{0x82, 0xac}, "\x82\xac", ""},
		{nil, "", ""},
	}
	for _, tt := range tests {
		complete, partial := SplitPartialRune(tt.in)
		if string(complete) != tt.complete || string(partial) != tt.partial {
			t.Errorf("SplitPartialRune(%q) = %q, %q; want %q, %q", tt.in, complete, partial, tt.complete, tt.partial)
		}
	}
}

func TestHubChunksAreWholeRunes(t *testing.T) {
	const count = 60000 // ~176 KiB, several full reads
	file := filepath.Join(t.TempDir(), "euro.txt")
	if err := os.WriteFile(file, []byte(strings.Repeat("€", count)+"END"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Start(Options{Command: "cat", Args: []string{file}, Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	hub := NewHub(p, 0)
	out, ok := hub.Subscribe(false)
	if !ok {
		t.Fatal("subscribe failed")
	}
	go hub.Run()

	var output bytes.Buffer
	timeout := time.After(10 * time.Second)
loop:
	for {
		select {
		case msg, open := <-out:
			if !open {
				break loop
			}
			if !msg.IsBinary {
				continue
			}
			if !utf8.Valid(msg.Data) {
				t.Fatalf("chunk of %d bytes splits a rune", len(msg.Data))
			}
			output.Write(msg.Data)
		case <-timeout:
			t.Fatal("timed out reading output")
		}
	}
	if got := strings.Count(output.String(), "€"); got != count || !strings.HasSuffix(output.String(), "END") {
		t.Errorf("got %d euro signs (suffix %q)", got, output.String()[max(0, output.Len()-8):])
	}
}

func TestReplaySkipsCutRune(t *testing.T) {
	if got := trimLeadingContinuation([]byte("\x82\xacab")); string(got) != "ab" {
		t.Errorf("trim = %q", got)
	}
	if got := trimLeadingContinuation([]byte("ab")); string(got) != "ab" {
		t.Errorf("trim = %q", got)
	}
}
