package debug

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hyper-Int/cmux/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestMonitorLogsStartupPeriodicAndShutdown(t *testing.T) {
	var buf syncBuffer
	m := NewMonitor(Config{Interval: 20 * time.Millisecond}, logging.New(logging.Options{Output: &buf}))
	m.Start()
	time.Sleep(70 * time.Millisecond)
	m.Stop()
	m.Stop()

	reasons := map[string]int{}
	for _, l := range buf.lines(t) {
		if l["message"] == "memory" {
			reasons[l["reason"].(string)]++
			if _, ok := l["heap_mb"]; !ok {
				t.Errorf("no heap_mb in %v", l)
			}
		}
	}
	if reasons["startup"] != 1 || reasons["shutdown"] != 1 || reasons["periodic"] < 1 {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestThresholdRaisesLevel(t *testing.T) {
	var buf syncBuffer
	m := NewMonitor(Config{WarningThreshold: 1, CriticalThreshold: 1 << 62}, logging.New(logging.Options{Output: &buf}))
	m.Log("check")
	lines := buf.lines(t)
	last := lines[len(lines)-1]
	if last["level"] != "warn" || last["heap_inuse_mb"] == nil {
		t.Errorf("line = %v", last)
	}
}

func TestDumpGoroutines(t *testing.T) {
	m := NewMonitor(Config{}, logging.Nop())
	var out bytes.Buffer
	if err := m.DumpGoroutines(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "TestDumpGoroutines") {
		t.Error("dump does not contain the calling goroutine")
	}
}

func TestCollect(t *testing.T) {
	s := Collect()
	if s.HeapBytes == 0 || s.Goroutines == 0 {
		t.Errorf("stats = %+v", s)
	}
}
