package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

func TestWorkspaceList(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)

	os.WriteFile(filepath.Join(root, "file1.txt"), []byte("hello"), 0644)
	os.WriteFile(filepath.Join(root, "file2.txt"), []byte("world"), 0644)
	os.Mkdir(filepath.Join(root, "subdir"), 0755)
	os.WriteFile(filepath.Join(root, "subdir", "file3.txt"), []byte("nested"), 0644)

	entries, err := ws.List("/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}

	entries, err = ws.List("/subdir")
	if err != nil {
		t.Fatalf("list subdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "/subdir/file3.txt" {
		t.Errorf("subdir entries = %+v", entries)
	}
}

func TestWorkspaceListFilesRecursiveWithHashes(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)

	os.MkdirAll(filepath.Join(root, "proj", "b"), 0755)
	os.WriteFile(filepath.Join(root, "proj", "a.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(root, "proj", "b", "c.txt"), []byte("22"), 0644)

	files, err := ws.ListFiles("/proj", ListOptions{Recursive: true, Hashes: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v", files)
	}
	if files[0].Path != "a.txt" || files[1].Path != "b/c.txt" {
		t.Errorf("paths = %s, %s", files[0].Path, files[1].Path)
	}
	if files[1].Size != 2 || files[1].Hash != HashBytes([]byte("22")) {
		t.Errorf("b/c.txt = %+v", files[1])
	}

	flat, err := ws.ListFiles("/proj", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 || flat[0].Hash != "" {
		t.Errorf("flat listing = %+v", flat)
	}
}

func TestWorkspaceReadWrite(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)

	if err := ws.Write("/a/b/c/file.txt", []byte("nested content"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := ws.Read("/a/b/c/file.txt")
	if err != nil || string(data) != "nested content" {
		t.Fatalf("read = %q, %v", data, err)
	}

	if err := ws.Write("/script.sh", []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if fi, _ := os.Stat(filepath.Join(root, "script.sh")); fi.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v", fi.Mode().Perm())
	}
}

func TestWorkspaceDelete(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)

	os.MkdirAll(filepath.Join(root, "toremove", "subdir"), 0755)
	os.WriteFile(filepath.Join(root, "toremove", "subdir", "file2.txt"), []byte("y"), 0644)

	if err := ws.Delete("/toremove"); err != nil {
		t.Fatalf("delete dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "toremove")); !os.IsNotExist(err) {
		t.Error("directory should not exist after delete")
	}
	if err := ws.Delete("/"); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("deleting the root: %v", err)
	}
}

func TestWorkspaceStat(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)
	os.WriteFile(filepath.Join(root, "statme.txt"), []byte("hello world"), 0644)

	info, err := ws.Stat("/statme.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Name != "statme.txt" || info.Size != 11 || info.IsDir {
		t.Errorf("info = %+v", info)
	}
}

func TestWorkspaceNotFound(t *testing.T) {
	ws := NewWorkspace(t.TempDir())

	if _, err := ws.Read("/nonexistent.txt"); !IsNotFound(err) {
		t.Errorf("read: %v", err)
	}
	if err := ws.Delete("/nonexistent.txt"); !IsNotFound(err) {
		t.Errorf("delete: %v", err)
	}
	if _, err := ws.List("/nonexistent"); !IsNotFound(err) {
		t.Errorf("list: %v", err)
	}
}

func TestWorkspacePathTraversal(t *testing.T) {
	ws := NewWorkspace(t.TempDir())

	if _, err := ws.Read("/../../../etc/passwd"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("read: %v", err)
	}
	if _, err := ws.Read("/foo/../../etc/passwd"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("nested read: %v", err)
	}
	if err := ws.Write("/../../../tmp/evil.txt", []byte("bad"), 0); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("write: %v", err)
	}
	if _, err := ws.List("/../../../etc"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("list: %v", err)
	}
	if _, err := ws.Read("/a..b"); !IsNotFound(err) {
		t.Errorf("dots inside a name are not traversal: %v", err)
	}
}

func TestWorkspaceSiblingDirectoryBypass(t *testing.T) {
	parent := t.TempDir()
	workspaceRoot := filepath.Join(parent, "workspace")
	evilRoot := filepath.Join(parent, "workspace-evil")
	os.Mkdir(workspaceRoot, 0755)
	os.Mkdir(evilRoot, 0755)
	os.WriteFile(filepath.Join(evilRoot, "secret.txt"), []byte("evil data"), 0644)

	ws := NewWorkspace(workspaceRoot)
	if err := os.Symlink(evilRoot, filepath.Join(workspaceRoot, "sibling")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	if _, err := ws.Read("/sibling/secret.txt"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal for sibling escape, got: %v", err)
	}
	if err := ws.Write("/sibling/new/deep.txt", []byte("x"), 0); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal for write below a symlink, got: %v", err)
	}
}

func TestRootWorkspaceAllowsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644)
	ws := NewWorkspace("/")
	real, _ := filepath.EvalSymlinks(filepath.Join(dir, "f.txt"))
	if _, err := ws.Read(real); err != nil {
		t.Errorf("read under /: %v", err)
	}
}

func TestSyncUploadReportsPerFile(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)
	os.WriteFile(filepath.Join(root, "gone.txt"), []byte("x"), 0644)

	res := ws.SyncUpload(SyncUploadRequest{
		BasePath: "/proj",
		Files: []SyncFile{
			{Path: "ok.txt", Content: base64.StdEncoding.EncodeToString([]byte("ok"))},
			{Path: "bad.txt", Content: "%%%"},
			{Path: "../gone.txt", Delete: true},
			{Path: "missing.txt", Delete: true},
		},
	})
	if len(res.Succeeded) != 2 || len(res.Failed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err(), errdefs.ErrPartialIO) {
		t.Errorf("Err = %v", res.Err())
	}
	if data, _ := os.ReadFile(filepath.Join(root, "proj", "ok.txt")); string(data) != "ok" {
		t.Errorf("ok.txt = %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.txt")); err != nil {
		t.Error("a file outside basePath was deleted")
	}
}

func TestSyncDownload(t *testing.T) {
	root := t.TempDir()
	ws := NewWorkspace(root)
	os.MkdirAll(filepath.Join(root, "proj"), 0755)
	os.WriteFile(filepath.Join(root, "proj", "x.sh"), []byte("echo"), 0750)

	resp := ws.SyncDownload(SyncDownloadRequest{BasePath: "/proj", Paths: []string{"x.sh", "nope"}})
	if len(resp.Files) != 1 || len(resp.Failed) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	f := resp.Files[0]
	if f.Content != base64.StdEncoding.EncodeToString([]byte("echo")) || f.Mode != "750" || f.Hash != HashBytes([]byte("echo")) {
		t.Errorf("file = %+v", f)
	}
}

func buildTar(t *testing.T, files map[string]string, extra ...*tar.Header) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	for _, h := range extra {
		tw.WriteHeader(h)
	}
	tw.Close()
	zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSyncTarRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not installed")
	}
	root := t.TempDir()
	ws := NewWorkspace(root)
	data := buildTar(t, map[string]string{"a.txt": "1", "b/c.txt": "2"},
		&tar.Header{Name: "b/", Mode: 0755, Typeflag: tar.TypeDir})

	for i := 0; i < 2; i++ {
		resp, err := ws.SyncTar(context.Background(), SyncTarRequest{BasePath: "/dest", TarData: data})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if resp.Extracted != 2 {
			t.Errorf("run %d: extracted = %d", i, resp.Extracted)
		}
		files, err := ws.ListFiles("/dest", ListOptions{Recursive: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 2 || files[0].Path != "a.txt" || files[0].Size != 1 || files[1].Path != "b/c.txt" || files[1].Size != 1 {
			t.Errorf("run %d: files = %+v", i, files)
		}
	}
}

func TestSyncTarRejectsEscapes(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	data := buildTar(t, map[string]string{"../evil.txt": "x"})
	if _, err := ws.SyncTar(context.Background(), SyncTarRequest{BasePath: "/dest", TarData: data}); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("err = %v", err)
	}
	if _, err := ws.SyncTar(context.Background(), SyncTarRequest{BasePath: "/dest", TarData: "not base64!"}); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("bad base64: %v", err)
	}
}
