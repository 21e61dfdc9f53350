package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/config"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

const testManagementToken = "mgmt-token-for-tests"

func setupWorker(t *testing.T) (*Worker, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	bootFile := filepath.Join(dir, "boot_id")
	os.WriteFile(bootFile, []byte("boot-1\n"), 0644)

	cfg := config.DefaultWorker()
	cfg.WorkerID = "worker-test"
	cfg.ManagementToken = testManagementToken
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.LifecycleDir = filepath.Join(dir, "lifecycle")
	cfg.PTYServerURL = ""
	cfg.Capabilities.MaxConcurrentTerminals = 2
	cfg.Auth = config.AuthConfig{TokenFile: filepath.Join(dir, "token"), BootIDFile: bootFile}

	w, err := NewWorker(cfg, nil, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(w.Handler())
	t.Cleanup(func() {
		ts.Close()
		w.Close(context.Background())
	})
	return w, ts
}

type mgmtConn struct {
	t    *testing.T
	conn *websocket.Conn
	next int64
}

func dialManagement(t *testing.T, ts *httptest.Server) *mgmtConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/management"
	header := http.Header{"Authorization": {"Bearer " + testManagementToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var reg protocol.Envelope
	if err := conn.ReadJSON(&reg); err != nil || reg.Event != protocol.EventRegister {
		t.Fatalf("first frame = %+v, %v", reg, err)
	}
	var id protocol.WorkerIdentity
	json.Unmarshal(reg.Data, &id)
	if id.WorkerID != "worker-test" || id.Capabilities.MaxConcurrentTerminals != 2 {
		t.Errorf("identity = %+v", id)
	}
	return &mgmtConn{t: t, conn: conn}
}

// request sends event with data and returns the ack payload, skipping any
// events sent in between.
func (c *mgmtConn) request(event string, data any) json.RawMessage {
	c.t.Helper()
	c.next++
	id := c.next
	raw, _ := json.Marshal(data)
	if err := c.conn.WriteJSON(protocol.Envelope{Event: event, ID: &id, Data: raw}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for ack of %s: %v", event, err)
		}
		if env.Event == protocol.EventAck && env.Ack != nil && *env.Ack == id {
			return env.Data
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := setupWorker(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["workerId"] != "worker-test" || body["connected"] != false {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestManagementRequiresToken(t *testing.T) {
	_, ts := setupWorker(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/management"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer nope"}})
	if err == nil {
		t.Fatal("dial with a wrong token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecOverManagement(t *testing.T) {
	_, ts := setupWorker(t)
	c := dialManagement(t, ts)

	var res protocol.ExecResult
	json.Unmarshal(c.request(protocol.EventExec, map[string]any{"command": "echo out; exit 4"}), &res)
	if res.Stdout != "out\n" || res.ExitCode != 4 {
		t.Errorf("exec = %+v", res)
	}

	var reply protocol.ErrorReply
	json.Unmarshal(c.request(protocol.EventExec, map[string]any{"command": ""}), &reply)
	if reply.Error == "" {
		t.Error("empty command was accepted")
	}

	json.Unmarshal(c.request("worker:unknown", map[string]any{}), &reply)
	if !strings.Contains(reply.Error, "unknown event") {
		t.Errorf("unknown event reply = %+v", reply)
	}
}

func TestUploadFilesIsPerFile(t *testing.T) {
	w, ts := setupWorker(t)
	c := dialManagement(t, ts)
	dir := t.TempDir()
	good := filepath.Join(dir, "sub", "a.txt")
	gone := filepath.Join(dir, "gone.txt")
	os.WriteFile(gone, []byte("x"), 0644)

	data := c.request(protocol.EventUploadFiles, map[string]any{"files": []map[string]any{
		{"destinationPath": good, "contentBase64": base64.StdEncoding.EncodeToString([]byte("hello")), "mode": "600"},
		{"destinationPath": "relative.txt", "contentBase64": ""},
		{"destinationPath": filepath.Join(dir, "bad.txt"), "contentBase64": "%%%"},
		{"destinationPath": gone, "action": "delete"},
	}})
	var res struct {
		Succeeded []string `json:"succeeded"`
		Failed    []struct {
			Path string `json:"path"`
		} `json:"failed"`
	}
	json.Unmarshal(data, &res)
	if len(res.Succeeded) != 2 || len(res.Failed) != 2 {
		t.Fatalf("result = %s", data)
	}
	if got, _ := os.ReadFile(good); string(got) != "hello" {
		t.Errorf("a.txt = %q", got)
	}
	if fi, err := os.Stat(good); err != nil || fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, %v", fi, err)
	}
	if _, err := os.Stat(gone); !os.IsNotExist(err) {
		t.Error("delete entry was not applied")
	}

	// The write is known to the file watcher's echo table.
	if !w.written.IsEcho(good, fs.HashBytes([]byte("hello"))) {
		t.Error("upload not recorded for echo suppression")
	}
}

func TestRejectsBadTerminalRequests(t *testing.T) {
	_, ts := setupWorker(t)
	c := dialManagement(t, ts)

	var reply protocol.ErrorReply
	json.Unmarshal(c.request(protocol.EventTerminalInput, map[string]any{"terminalId": "nope", "data": "x"}), &reply)
	if reply.Error == "" {
		t.Error("input to a missing terminal was accepted")
	}
	json.Unmarshal(c.request(protocol.EventCreateTerminal, map[string]any{"terminalId": "t1", "cols": 0, "rows": 0}), &reply)
	if reply.Error == "" {
		t.Error("zero-sized terminal was accepted")
	}
}

func TestShutdownRequest(t *testing.T) {
	w, ts := setupWorker(t)
	c := dialManagement(t, ts)
	c.request(protocol.EventShutdown, map[string]any{})
	select {
	case <-w.ShutdownRequested():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not requested")
	}
}
