// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package debug reports the process's own resource use: a periodic memory
// log, goroutine dumps, and a point-in-time Stats snapshot for /metrics.
package debug

import (
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Hyper-Int/cmux/internal/logging"
)

const mb = 1 << 20

// Config controls a Monitor. Zero values take the defaults.
type Config struct {
	Interval          time.Duration
	WarningThreshold  uint64
	CriticalThreshold uint64
}

// DefaultConfig suits a 2 GB sandbox VM.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		WarningThreshold:  512 * mb,
		CriticalThreshold: 1536 * mb,
	}
}

// Stats is a snapshot of process and host resource use.
type Stats struct {
	HeapBytes    uint64  `json:"heapBytes"`
	SysBytes     uint64  `json:"sysBytes"`
	HeapObjects  uint64  `json:"heapObjects"`
	Goroutines   int     `json:"goroutines"`
	GCRuns       uint32  `json:"gcRuns"`
	CPUUserMs    int64   `json:"cpuUserMs"`
	CPUSystemMs  int64   `json:"cpuSystemMs"`
	HostMemTotal uint64  `json:"hostMemTotalBytes,omitempty"`
	HostMemFree  uint64  `json:"hostMemFreeBytes,omitempty"`
	HostLoad1    float64 `json:"hostLoad1,omitempty"`
}

// Collect reads the current Stats. Host figures are left empty where the
// platform does not provide them.
func Collect() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Stats{
		HeapBytes:   ms.HeapAlloc,
		SysBytes:    ms.Sys,
		HeapObjects: ms.HeapObjects,
		Goroutines:  runtime.NumGoroutine(),
		GCRuns:      ms.NumGC,
	}
	var ru syscall.Rusage
	if syscall.Getrusage(syscall.RUSAGE_SELF, &ru) == nil {
		s.CPUUserMs = ru.Utime.Nano() / int64(time.Millisecond)
		s.CPUSystemMs = ru.Stime.Nano() / int64(time.Millisecond)
	}
	var si unix.Sysinfo_t
	if unix.Sysinfo(&si) == nil {
		unit := uint64(si.Unit)
		if unit == 0 {
			unit = 1
		}
		s.HostMemTotal = uint64(si.Totalram) * unit
		s.HostMemFree = uint64(si.Freeram) * unit
		s.HostLoad1 = float64(si.Loads[0]) / float64(1<<unix.SI_LOAD_SHIFT)
	}
	return s
}

// Monitor logs memory use on an interval and escalates the level as the
// heap crosses its thresholds.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	prevGC    uint32
	prevAlloc uint64
}

func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	return &Monitor{cfg: cfg, log: logging.For(log, "memory"), stop: make(chan struct{})}
}

func (m *Monitor) Start() {
	m.log.Info().Dur("interval", m.cfg.Interval).
		Uint64("warn_mb", m.cfg.WarningThreshold/mb).
		Uint64("crit_mb", m.cfg.CriticalThreshold/mb).
		Msg("memory monitor started")
	m.wg.Add(1)
	go m.loop()
}

// Stop is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	m.Log("startup")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.Log("shutdown")
			return
		case <-ticker.C:
			m.Log("periodic")
		}
	}
}

// Log writes one memory line tagged with reason. GC and allocation deltas
// are relative to the previous call.
func (m *Monitor) Log(reason string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	gcRuns := ms.NumGC - m.prevGC
	allocDelta := ms.TotalAlloc - m.prevAlloc
	m.prevGC, m.prevAlloc = ms.NumGC, ms.TotalAlloc
	m.mu.Unlock()

	ev := m.log.Info()
	switch {
	case ms.HeapAlloc >= m.cfg.CriticalThreshold:
		ev = m.log.Error()
	case ms.HeapAlloc >= m.cfg.WarningThreshold:
		ev = m.log.Warn()
	}
	ev = ev.Str("reason", reason).
		Float64("heap_mb", float64(ms.HeapAlloc)/mb).
		Float64("sys_mb", float64(ms.Sys)/mb).
		Int("goroutines", runtime.NumGoroutine()).
		Uint32("gc_runs", gcRuns).
		Float64("alloc_delta_mb", float64(allocDelta)/mb).
		Uint64("heap_objects", ms.HeapObjects)
	if ms.HeapAlloc >= m.cfg.WarningThreshold {
		ev = ev.Float64("heap_inuse_mb", float64(ms.HeapInuse)/mb).
			Float64("heap_idle_mb", float64(ms.HeapIdle)/mb).
			Float64("stack_inuse_mb", float64(ms.StackInuse)/mb)
	}
	ev.Msg("memory")
}

// DumpGoroutines writes every goroutine's stack to w.
func (m *Monitor) DumpGoroutines(w io.Writer) error {
	p := pprof.Lookup("goroutine")
	m.log.Warn().Int("goroutines", p.Count()).Msg("dumping goroutine stacks")
	fmt.Fprintln(w, "=== GOROUTINE DUMP ===")
	if err := p.WriteTo(w, 2); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "=== END GOROUTINE DUMP ===")
	return err
}
