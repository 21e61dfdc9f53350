// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package channel implements the worker side of the management socket.
//
// A Channel holds at most one live connection. It accepts connections from
// the orchestrator (HandleUpgrade) and can also dial out (DialLoop); either
// way a new connection replaces the old one. Outbound events that cannot be
// sent are queued and flushed in order after the next registration.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/eventqueue"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
	"github.com/Hyper-Int/cmux/internal/ws"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second

	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	maxFrameSize = 16 << 20
)

// ErrNotConnected is returned by Send when no connection is live.
var ErrNotConnected = fmt.Errorf("%w: management channel not connected", errdefs.ErrTransport)

// Handler processes inbound requests. The returned value becomes the ack
// payload; an error becomes {"error": ...}.
type Handler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg protocol.Message) (any, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg protocol.Message) (any, error) {
	return f(ctx, msg)
}

// Options configures a Channel.
type Options struct {
	Identity          protocol.WorkerIdentity
	Handler           Handler
	Queue             *eventqueue.Queue
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	// ActiveTerminals feeds the heartbeat payload.
	ActiveTerminals func() int
	Upgrader        *websocket.Upgrader
	Logger          zerolog.Logger
}

// Channel is the management connection to the orchestrator.
type Channel struct {
	identity  protocol.WorkerIdentity
	handler   Handler
	queue     *eventqueue.Queue
	clock     clock.Clock
	heartbeat time.Duration
	sweep     time.Duration
	active    func() int
	upgrader  *websocket.Upgrader
	startedAt time.Time
	log       zerolog.Logger

	attachMu sync.Mutex
	mu       sync.Mutex
	conn     *ws.Conn
	cancel   context.CancelFunc
	ctx      context.Context
}

// New creates a disconnected channel. Run must be called to start the sweep.
func New(opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Queue == nil {
		opts.Queue = eventqueue.New(eventqueue.DefaultTTL, opts.Clock, opts.Logger)
	}
	if opts.ActiveTerminals == nil {
		opts.ActiveTerminals = func() int { return 0 }
	}
	if opts.Upgrader == nil {
		opts.Upgrader = ws.NewUpgrader(ws.NewOriginPolicy(nil), false)
	}
	return &Channel{
		identity:  opts.Identity,
		handler:   opts.Handler,
		queue:     opts.Queue,
		clock:     opts.Clock,
		heartbeat: opts.HeartbeatInterval,
		sweep:     opts.SweepInterval,
		active:    opts.ActiveTerminals,
		upgrader:  opts.Upgrader,
		startedAt: opts.Clock.Now(),
		log:       logging.For(opts.Logger, "channel"),
		ctx:       context.Background(),
	}
}

// Run drives the periodic sweep until ctx is done, then closes the
// connection. Connections attached before Run use a background context.
func (c *Channel) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.detachLocked(websocket.CloseGoingAway, "worker shutting down")
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep evicts expired events and retries the flush when connected.
func (c *Channel) Sweep() {
	c.queue.Prune()
	if c.Connected() {
		c.flush()
	}
	c.reportDropped()
}

// Connected reports whether a connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends an event now if connected, otherwise queues it. Heartbeats and
// terminal output are never queued.
func (c *Channel) Emit(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("dropping unencodable event")
		return
	}

	switch event {
	case protocol.EventHeartbeat, protocol.EventTerminalOutput:
		c.send(env)
		return
	}

	c.queue.Push(env.Event, env.Data)
	if c.Connected() {
		c.flush()
	}
}

// Send writes an envelope on the live connection without queuing.
func (c *Channel) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(env); err != nil {
		c.drop(conn, err)
		return err
	}
	return nil
}

func (c *Channel) send(env protocol.Envelope) {
	if err := c.Send(env); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Debug().Err(err).Str("event", env.Event).Msg("send failed")
	}
}

func (c *Channel) flush() {
	c.queue.Flush(func(e eventqueue.PendingEvent) error {
		return c.Send(protocol.Envelope{Event: e.Name, Data: e.Data})
	})
}

// reportDropped tells the orchestrator that events expired undelivered.
func (c *Channel) reportDropped() {
	if n := c.queue.TakeDropped(); n > 0 {
		c.Emit(protocol.EventError, protocol.WorkerError{
			Message: fmt.Sprintf("%d queued events expired before delivery", n),
		})
	}
}

// HandleUpgrade accepts an orchestrator connection. Authentication happens
// in the middleware in front of it.
func (c *Channel) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("management upgrade failed")
		return
	}
	c.log.Info().Str("remote", r.RemoteAddr).Msg("orchestrator connected")
	c.Attach(ws.Wrap(raw))
}

// Attach makes conn the live connection, replacing any previous one. The
// registration frame is written before the connection is published, so no
// queued event can overtake it. It returns immediately; the read loop and
// heartbeat run in their own goroutines.
func (c *Channel) Attach(conn *ws.Conn) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	c.mu.Lock()
	c.detachLocked(websocket.ClosePolicyViolation, "replaced by a newer connection")
	parent := c.ctx
	c.mu.Unlock()

	conn.Underlying().SetReadLimit(maxFrameSize)
	if err := conn.WriteJSON(mustEnvelope(protocol.EventRegister, c.identity)); err != nil {
		c.log.Warn().Err(err).Msg("registration failed")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(parent)
	heartbeat := c.clock.NewTicker(c.heartbeat)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	go conn.KeepAlive(ctx)
	go c.heartbeatLoop(ctx, heartbeat)
	go c.readLoop(ctx, conn)

	c.flush()
	c.reportDropped()
}

// detachLocked closes the live connection, if any.
func (c *Channel) detachLocked(code int, reason string) {
	if c.conn == nil {
		return
	}
	c.cancel()
	c.conn.CloseWith(code, reason)
	c.conn = nil
	c.cancel = nil
}

// drop forgets conn if it is still the live connection.
func (c *Channel) drop(conn *ws.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.log.Warn().Err(cause).Msg("management connection lost")
	c.cancel()
	conn.Close()
	c.conn = nil
	c.cancel = nil
}

func (c *Channel) heartbeatLoop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.clock.Now()
			c.Emit(protocol.EventHeartbeat, protocol.Heartbeat{
				Timestamp:       now.UnixMilli(),
				ActiveTerminals: c.active(),
				UptimeMs:        now.Sub(c.startedAt).Milliseconds(),
			})
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *ws.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("invalid management frame")
			c.Emit(protocol.EventError, protocol.WorkerError{Message: "invalid frame: " + err.Error()})
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch decodes and handles one request. Terminal input, resize and
// close are handled inline to keep their order; everything else runs in its
// own goroutine so a slow exec does not stall keystrokes.
func (c *Channel) dispatch(ctx context.Context, env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		c.log.Warn().Err(err).Str("event", env.Event).Msg("rejected request")
		c.reply(env, nil, err)
		return
	}
	if c.handler == nil {
		c.reply(env, nil, fmt.Errorf("%w: no handler", errdefs.ErrNotFound))
		return
	}

	handle := func() {
		result, err := c.handler.HandleMessage(ctx, msg)
		c.reply(env, result, err)
	}
	switch msg.(type) {
	case *protocol.TerminalInput, *protocol.ResizeTerminal, *protocol.CloseTerminal:
		handle()
	default:
		go handle()
	}
}

// reply acks a request that carried an id. Failures of fire-and-forget
// messages are reported as worker:error.
func (c *Channel) reply(req protocol.Envelope, result any, err error) {
	if err != nil {
		c.log.Warn().Err(err).Str("event", req.Event).Msg("request failed")
	}
	if req.ID == nil {
		if err != nil {
			c.Emit(protocol.EventError, protocol.WorkerError{Message: err.Error(), Event: req.Event})
		}
		return
	}
	var payload any = result
	if err != nil {
		payload = protocol.ErrorReply{Error: err.Error()}
	}
	if payload == nil {
		payload = struct{}{}
	}
	ack, encErr := protocol.AckFor(req, payload)
	if encErr != nil {
		c.log.Error().Err(encErr).Str("event", req.Event).Msg("cannot encode ack")
		return
	}
	c.send(ack)
}

func mustEnvelope(event string, data any) protocol.Envelope {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}
