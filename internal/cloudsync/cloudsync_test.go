package cloudsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/httpx"
	"github.com/Hyper-Int/cmux/internal/logging"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

// fakeDaemon serves the sandbox daemon's sync endpoints from a directory.
type fakeDaemon struct {
	root    string
	ws      *fs.Workspace
	uploads atomic.Int32
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	d := &fakeDaemon{root: t.TempDir()}
	d.ws = fs.NewWorkspace(d.root)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /list-files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			httpx.WriteError(w, errdefs.ErrAuth)
			return
		}
		var req fs.ListRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		files, err := d.ws.ListFiles(req.Path, fs.ListOptions{Recursive: req.Recursive, Hashes: req.Hashes})
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, fs.ListResponse{Path: req.Path, Files: files})
	})
	mux.HandleFunc("POST /sync-download", func(w http.ResponseWriter, r *http.Request) {
		var req fs.SyncDownloadRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, d.ws.SyncDownload(req))
	})
	mux.HandleFunc("POST /sync-upload", func(w http.ResponseWriter, r *http.Request) {
		var req fs.SyncUploadRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		d.uploads.Add(1)
		httpx.WriteJSON(w, http.StatusOK, d.ws.SyncUpload(req))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *fakeDaemon) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(d.root, "ws", rel)
	os.MkdirAll(filepath.Dir(p), 0755)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []protocol.CloudSyncStatus
}

func (l *statusLog) emit(event string, payload any) {
	if event != protocol.EventCloudSyncStatus {
		return
	}
	l.mu.Lock()
	l.statuses = append(l.statuses, payload.(protocol.CloudSyncStatus))
	l.mu.Unlock()
}

func (l *statusLog) last() protocol.CloudSyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return protocol.CloudSyncStatus{}
	}
	return l.statuses[len(l.statuses)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "<missing>"
	}
	return string(data)
}

func startSyncer(t *testing.T, srv *httptest.Server, log *statusLog) (*Syncer, string) {
	t.Helper()
	local := filepath.Join(t.TempDir(), "mirror")
	s := New(Options{
		SyncID:       "s1",
		LocalPath:    local,
		RemotePath:   "/ws",
		Remote:       NewRemote(srv.URL, "secret"),
		PollInterval: 50 * time.Millisecond,
		Debounce:     50 * time.Millisecond,
		Emit:         log.emit,
		Logger:       logging.Nop(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s, local
}

func TestInitialPullWithoutEcho(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.write(t, "a.txt", "1")
	d.write(t, "b/c.txt", "2")
	log := &statusLog{}
	_, local := startSyncer(t, srv, log)

	if got := readFile(filepath.Join(local, "a.txt")); got != "1" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readFile(filepath.Join(local, "b", "c.txt")); got != "2" {
		t.Errorf("b/c.txt = %q", got)
	}
	if st := log.last(); st.Status != StatusSynced || st.FilesDownloaded != 2 {
		t.Errorf("status = %+v", st)
	}

	time.Sleep(300 * time.Millisecond)
	if n := d.uploads.Load(); n != 0 {
		t.Errorf("downloaded files were pushed back %d times", n)
	}
}

func TestLocalEditPushed(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.write(t, "a.txt", "1")
	log := &statusLog{}
	_, local := startSyncer(t, srv, log)

	os.WriteFile(filepath.Join(local, "a.txt"), []byte("edited"), 0644)
	os.WriteFile(filepath.Join(local, "new.txt"), []byte("fresh"), 0644)

	eventually(t, "upload", func() bool {
		return readFile(filepath.Join(d.root, "ws", "a.txt")) == "edited" &&
			readFile(filepath.Join(d.root, "ws", "new.txt")) == "fresh"
	})
	time.Sleep(200 * time.Millisecond)
	if got := readFile(filepath.Join(local, "a.txt")); got != "edited" {
		t.Errorf("a poll overwrote the local edit: %q", got)
	}
}

func TestRemoteChangesPulled(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.write(t, "a.txt", "1")
	d.write(t, "gone.txt", "x")
	log := &statusLog{}
	_, local := startSyncer(t, srv, log)

	d.write(t, "a.txt", "2")
	os.Remove(filepath.Join(d.root, "ws", "gone.txt"))

	eventually(t, "remote edit", func() bool { return readFile(filepath.Join(local, "a.txt")) == "2" })
	eventually(t, "remote delete", func() bool { return readFile(filepath.Join(local, "gone.txt")) == "<missing>" })
	time.Sleep(200 * time.Millisecond)
	if n := d.uploads.Load(); n != 0 {
		t.Errorf("pulled changes were pushed back %d times", n)
	}
}

func TestBadTokenReportsError(t *testing.T) {
	_, srv := newFakeDaemon(t)
	log := &statusLog{}
	s := New(Options{
		SyncID:     "s1",
		LocalPath:  t.TempDir(),
		RemotePath: "/ws",
		Remote:     NewRemote(srv.URL, "wrong"),
		Emit:       log.emit,
		Logger:     logging.Nop(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if st := log.last(); st.Status != StatusError || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerLifecycle(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.write(t, "a.txt", "1")
	log := &statusLog{}
	m := NewManager(nil, log.emit, logging.Nop())
	local := filepath.Join(t.TempDir(), "m")

	err := m.Start(context.Background(), &protocol.StartCloudSync{
		SyncID: "s1", LocalPath: local, RemoteURL: srv.URL, RemoteToken: "secret", RemotePath: "/ws",
	})
	if err != nil {
		t.Fatal(err)
	}
	if readFile(filepath.Join(local, "a.txt")) != "1" {
		t.Error("initial download missing")
	}

	// The poll interval is the default, so only a full sync sees this.
	d.write(t, "a.txt", "2")
	if err := m.RequestFull("s1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "full resync", func() bool { return readFile(filepath.Join(local, "a.txt")) == "2" })

	if err := m.Stop("s1"); err != nil {
		t.Fatal(err)
	}
	if st := log.last(); st.Status != StatusStopped {
		t.Errorf("last status = %+v", st)
	}
	if err := m.Stop("s1"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("second stop: %v", err)
	}
	if err := m.Start(context.Background(), &protocol.StartCloudSync{SyncID: "x", LocalPath: "rel"}); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("invalid start: %v", err)
	}
}
