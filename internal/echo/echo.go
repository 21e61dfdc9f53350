// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package echo remembers what this process itself just wrote, so a file
// watcher can tell its own writes apart from real changes.
package echo

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hyper-Int/cmux/internal/clock"
)

// Record is the last content this process wrote to a path.
type Record struct {
	Path         string
	ContentHash  string
	LastSyncedAt time.Time
}

// Table holds one Record per path.
type Table struct {
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	records map[string]Record
}

// NewTable returns an empty table. A record suppresses matching changes for
// window after it was written; zero means until it is replaced or
// forgotten.
func NewTable(window time.Duration, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.Real()
	}
	return &Table{window: window, clock: clk, records: make(map[string]Record)}
}

// Remember records that this process wrote content with hash to path.
func (t *Table) Remember(path, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[path] = Record{Path: path, ContentHash: hash, LastSyncedAt: t.clock.Now()}
}

// IsEcho reports whether a change at path with hash is one this process
// caused. Different content is never an echo, and it also ends the record:
// once someone else has changed the file, a later return to our content is
// a real change.
func (t *Table) IsEcho(path, hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[path]
	if !ok {
		return false
	}
	if r.ContentHash != hash {
		delete(t.records, path)
		return false
	}
	if t.window > 0 && t.clock.Now().Sub(r.LastSyncedAt) > t.window {
		delete(t.records, path)
		return false
	}
	return true
}

// Get returns the record for path.
func (t *Table) Get(path string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[path]
	return r, ok
}

// Forget drops the record for path, e.g. when the file is deleted.
func (t *Table) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, path)
}

// ForgetPrefix drops the records for dir and everything below it.
func (t *Table) ForgetPrefix(dir string) {
	dir = filepath.Clean(dir)
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)
	t.mu.Lock()
	defer t.mu.Unlock()
	for path := range t.records {
		if path == dir || strings.HasPrefix(path, prefix) {
			delete(t.records, path)
		}
	}
}

// Clear drops every record.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Record)
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
