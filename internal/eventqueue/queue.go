// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package eventqueue holds orchestrator-bound events while the management
// channel is down. Delivery is FIFO and at-least-once within the TTL: an event
// older than the TTL is dropped and reported, never sent.
package eventqueue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/logging"
)

// DefaultTTL bounds how long an undelivered event is kept.
const DefaultTTL = 30 * time.Minute

// PendingEvent is an event waiting for a connection.
type PendingEvent struct {
	Name       string
	Data       json.RawMessage
	EnqueuedAt time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	events  []PendingEvent
	ttl     time.Duration
	clock   clock.Clock
	dropped int
	log     zerolog.Logger
}

// New creates a queue. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, clk clock.Clock, log zerolog.Logger) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{ttl: ttl, clock: clk, log: logging.For(log, "eventqueue")}
}

// Push appends an event stamped with the current time.
func (q *Queue) Push(name string, data json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, PendingEvent{Name: name, Data: data, EnqueuedAt: q.clock.Now()})
	q.log.Debug().Str("event", name).Int("pending", len(q.events)).Msg("queued event")
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Prune drops expired events and returns how many were removed.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pruneLocked()
}

// Flush sends pending events in enqueue order. It stops at the first send
// error and keeps that event and everything after it. Expired events are
// dropped before sending. It returns the number of events sent.
//
// The queue lock is held for the whole flush so a concurrent Push lands
// behind the events being flushed.
func (q *Queue) Flush(send func(PendingEvent) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	sent := 0
	for len(q.events) > 0 {
		if err := send(q.events[0]); err != nil {
			q.log.Warn().Err(err).Int("sent", sent).Int("pending", len(q.events)).Msg("flush interrupted")
			return sent, err
		}
		q.events[0] = PendingEvent{}
		q.events = q.events[1:]
		sent++
	}
	q.events = nil
	if sent > 0 {
		q.log.Info().Int("sent", sent).Msg("flushed pending events")
	}
	return sent, nil
}

// TakeDropped returns the number of events dropped since the last call.
func (q *Queue) TakeDropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.dropped
	q.dropped = 0
	return n
}

func (q *Queue) pruneLocked() int {
	cutoff := q.clock.Now().Add(-q.ttl)
	i := 0
	for i < len(q.events) && !q.events[i].EnqueuedAt.After(cutoff) {
		q.log.Error().Str("event", q.events[i].Name).Time("enqueued_at", q.events[i].EnqueuedAt).
			Msg("dropping event older than ttl")
		i++
	}
	if i == 0 {
		return 0
	}
	q.events = append([]PendingEvent(nil), q.events[i:]...)
	q.dropped += i
	return i
}
