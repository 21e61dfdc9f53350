// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import "sync"

// DefaultScrollbackSize is 1MB of raw output, escape sequences included.
const DefaultScrollbackSize = 1024 * 1024

// Scrollback is a bounded ring of recent output. It tracks the total number
// of bytes ever written so a reader can ask for everything after an offset.
type Scrollback struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	pos      int
	total    uint64
}

// NewScrollback creates a ring of the given capacity (DefaultScrollbackSize
// when non-positive).
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackSize
	}
	return &Scrollback{data: make([]byte, capacity), capacity: capacity}
}

// Write appends p, overwriting the oldest bytes when full. It never fails.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off := 0; off < len(p); {
		n := copy(s.data[s.pos:], p[off:])
		s.pos = (s.pos + n) % s.capacity
		off += n
	}
	s.total += uint64(len(p))
	return len(p), nil
}

// Offset returns the total number of bytes written.
func (s *Scrollback) Offset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Bytes returns the retained contents, oldest first.
func (s *Scrollback) Bytes() []byte {
	return s.ReadFrom(0)
}

// ReadFrom returns the bytes written after offset. An offset older than the
// retained window yields everything retained.
func (s *Scrollback) ReadFrom(offset uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= s.total {
		return nil
	}
	stored := s.total
	if stored > uint64(s.capacity) {
		stored = uint64(s.capacity)
	}
	if oldest := s.total - stored; offset < oldest {
		offset = oldest
	}
	n := int(s.total - offset)
	out := make([]byte, n)
	start := (s.pos - n + s.capacity) % s.capacity
	first := copy(out, s.data[start:min(start+n, s.capacity)])
	copy(out[first:], s.data[:n-first])
	return out
}
