package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/clock"
	"github.com/Hyper-Int/cmux/internal/eventqueue"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

func setupChannel(t *testing.T, handler Handler) (*Channel, *clock.FakeClock, string) {
	t.Helper()
	clk := clock.Fake(time.Unix(1000, 0))
	ch := New(Options{
		Identity: protocol.WorkerIdentity{WorkerID: "worker-1"},
		Handler:  handler,
		Queue:    eventqueue.New(30*time.Minute, clk, logging.Nop()),
		Clock:    clk,
		Logger:   logging.Nop(),
	})
	server := httptest.NewServer(http.HandlerFunc(ch.HandleUpgrade))
	t.Cleanup(server.Close)
	return ch, clk, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ch.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("channel never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueuedEventsFollowRegistrationInOrder(t *testing.T) {
	ch, _, url := setupChannel(t, nil)

	ch.Emit(protocol.EventTerminalCreated, protocol.TerminalCreated{TerminalID: "t1"})
	ch.Emit(protocol.EventHeartbeat, protocol.Heartbeat{})
	ch.Emit(protocol.EventTerminalOutput, protocol.TerminalOutput{TerminalID: "t1", Data: "x"})
	ch.Emit(protocol.EventTerminalExit, protocol.TerminalExit{TerminalID: "t1"})
	ch.Emit(protocol.EventTerminalCreated, protocol.TerminalCreated{TerminalID: "t2"})

	conn := dial(t, url)

	want := []string{
		protocol.EventRegister,
		protocol.EventTerminalCreated,
		protocol.EventTerminalExit,
		protocol.EventTerminalCreated,
	}
	for i, event := range want {
		env := readEnvelope(t, conn)
		if env.Event != event {
			t.Fatalf("frame %d = %s, want %s", i, env.Event, event)
		}
		if i == 0 {
			var id protocol.WorkerIdentity
			json.Unmarshal(env.Data, &id)
			if id.WorkerID != "worker-1" {
				t.Errorf("register workerId = %q", id.WorkerID)
			}
		}
	}
	if ch.queue.Len() != 0 {
		t.Errorf("queue still holds %d events", ch.queue.Len())
	}
}

func TestExpiredEventsReportedNotDelivered(t *testing.T) {
	ch, clk, url := setupChannel(t, nil)

	ch.Emit(protocol.EventTerminalIdle, protocol.TerminalIdle{TerminalID: "old"})
	clk.Advance(31 * time.Minute)
	ch.Emit(protocol.EventTerminalIdle, protocol.TerminalIdle{TerminalID: "new"})

	conn := dial(t, url)
	if env := readEnvelope(t, conn); env.Event != protocol.EventRegister {
		t.Fatalf("first frame = %s", env.Event)
	}

	env := readEnvelope(t, conn)
	var idle protocol.TerminalIdle
	json.Unmarshal(env.Data, &idle)
	if env.Event != protocol.EventTerminalIdle || idle.TerminalID != "new" {
		t.Fatalf("got %s %+v, want the fresh idle event", env.Event, idle)
	}

	env = readEnvelope(t, conn)
	if env.Event != protocol.EventError {
		t.Fatalf("expected worker:error about expired events, got %s", env.Event)
	}
}

func TestRequestIsAcked(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, msg protocol.Message) (any, error) {
		exec := msg.(*protocol.Exec)
		return protocol.ExecResult{Stdout: exec.Command, ExitCode: 2}, nil
	})
	_, _, url := setupChannel(t, handler)
	conn := dial(t, url)
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"worker:exec","id":5,"data":{"command":"false"}}`))
	env := readEnvelope(t, conn)
	if env.Event != protocol.EventAck || env.Ack == nil || *env.Ack != 5 {
		t.Fatalf("unexpected reply: %+v", env)
	}
	var result protocol.ExecResult
	json.Unmarshal(env.Data, &result)
	if result.ExitCode != 2 || result.Stdout != "false" {
		t.Errorf("result = %+v", result)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"worker:exec","id":6,"data":{}}`))
	env = readEnvelope(t, conn)
	var reply protocol.ErrorReply
	json.Unmarshal(env.Data, &reply)
	if *env.Ack != 6 || !strings.Contains(reply.Error, "command is required") {
		t.Errorf("expected validation error ack, got %s", env.Data)
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	ch, _, url := setupChannel(t, nil)

	first := dial(t, url)
	readEnvelope(t, first)
	waitConnected(t, ch)

	second := dial(t, url)
	if env := readEnvelope(t, second); env.Event != protocol.EventRegister {
		t.Fatalf("second connection got %s", env.Event)
	}

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("old connection should be closed as replaced, got %v", err)
	}

	ch.Emit(protocol.EventTerminalCreated, protocol.TerminalCreated{TerminalID: "t9"})
	if env := readEnvelope(t, second); env.Event != protocol.EventTerminalCreated {
		t.Errorf("event went to %s", env.Event)
	}
}

func TestHeartbeatCarriesActiveTerminals(t *testing.T) {
	ch, clk, url := setupChannel(t, nil)
	ch.active = func() int { return 3 }

	conn := dial(t, url)
	readEnvelope(t, conn)
	waitConnected(t, ch)

	clk.Advance(DefaultHeartbeatInterval)
	env := readEnvelope(t, conn)
	if env.Event != protocol.EventHeartbeat {
		t.Fatalf("got %s, want heartbeat", env.Event)
	}
	var hb protocol.Heartbeat
	json.Unmarshal(env.Data, &hb)
	if hb.ActiveTerminals != 3 {
		t.Errorf("activeTerminals = %d", hb.ActiveTerminals)
	}
}
