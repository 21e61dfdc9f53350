// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/execx"
)

// MaxTarBytes bounds the decompressed size of a sync-tar archive.
const MaxTarBytes = 1 << 30

// ListRequest is the body of /list-files.
type ListRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
	Hashes    bool   `json:"hashes,omitempty"`
}

// ListResponse answers /list-files.
type ListResponse struct {
	Path  string     `json:"path"`
	Files []FileInfo `json:"files"`
}

// SyncFile is one file of a sync-upload batch. Content is base64.
type SyncFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// SyncUploadRequest is the body of /sync-upload.
type SyncUploadRequest struct {
	BasePath string     `json:"basePath"`
	Files    []SyncFile `json:"files"`
}

// SyncDownloadRequest is the body of /sync-download.
type SyncDownloadRequest struct {
	BasePath string   `json:"basePath"`
	Paths    []string `json:"paths"`
}

// DownloadedFile is one file of a sync-download answer.
type DownloadedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
}

// SyncDownloadResponse answers /sync-download. Paths that could not be read
// are listed in Failed; the rest are returned.
type SyncDownloadResponse struct {
	Files  []DownloadedFile      `json:"files"`
	Failed []errdefs.ItemFailure `json:"failed"`
}

// SyncTarRequest is the body of /sync-tar. TarData is a base64 gzip tar.
type SyncTarRequest struct {
	BasePath string `json:"basePath"`
	TarData  string `json:"tarData"`
}

// SyncTarResponse answers /sync-tar.
type SyncTarResponse struct {
	Extracted int `json:"extracted"`
}

// ParseMode parses an octal permission string; empty yields 0.
func ParseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: mode %q", errdefs.ErrValidation, s)
	}
	return os.FileMode(m).Perm(), nil
}

// join places a relative sync path under base; it never leaves base.
func join(base, p string) (string, error) {
	if p == "" || path.IsAbs(p) {
		return "", fmt.Errorf("%w: %q must be a relative path", errdefs.ErrValidation, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q leaves the base path", errdefs.ErrValidation, p)
		}
	}
	return path.Join("/", base, p), nil
}

// SyncUpload applies every file independently and reports each outcome.
func (w *Workspace) SyncUpload(req SyncUploadRequest) errdefs.BatchResult {
	var res errdefs.BatchResult
	for _, f := range req.Files {
		if err := w.applySyncFile(req.BasePath, f); err != nil {
			res.Fail(f.Path, err)
			continue
		}
		res.Ok(f.Path)
	}
	return res
}

func (w *Workspace) applySyncFile(base string, f SyncFile) error {
	target, err := join(base, f.Path)
	if err != nil {
		return err
	}
	if f.Delete {
		if err := w.Delete(target); err != nil && !IsNotFound(err) {
			return err
		}
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return fmt.Errorf("%w: content is not base64", errdefs.ErrValidation)
	}
	mode, err := ParseMode(f.Mode)
	if err != nil {
		return err
	}
	return w.Write(target, data, mode)
}

// SyncDownload reads each requested path.
func (w *Workspace) SyncDownload(req SyncDownloadRequest) SyncDownloadResponse {
	resp := SyncDownloadResponse{Files: []DownloadedFile{}, Failed: []errdefs.ItemFailure{}}
	for _, p := range req.Paths {
		target, err := join(req.BasePath, p)
		var data []byte
		if err == nil {
			data, err = w.Read(target)
		}
		if err != nil {
			resp.Failed = append(resp.Failed, errdefs.ItemFailure{Path: p, Error: err.Error()})
			continue
		}
		mode := "644"
		if st, err := w.Stat(target); err == nil {
			if fm, err := parseModeString(st.Mode); err == nil {
				mode = fm
			}
		}
		resp.Files = append(resp.Files, DownloadedFile{
			Path:    p,
			Content: base64.StdEncoding.EncodeToString(data),
			Hash:    HashBytes(data),
			Size:    int64(len(data)),
			Mode:    mode,
		})
	}
	return resp
}

// parseModeString turns "-rw-r--r--" back into "644".
func parseModeString(s string) (string, error) {
	if len(s) < 10 {
		return "", fmt.Errorf("short mode %q", s)
	}
	bits := s[len(s)-9:]
	var m uint32
	for i, c := range bits {
		if c != '-' {
			m |= 1 << (8 - i)
		}
	}
	return strconv.FormatUint(uint64(m), 8), nil
}

// SyncTar extracts a base64 gzip tar under basePath with the system tar and
// returns the number of regular files in it. Entries that would land
// outside basePath reject the whole archive before anything is written.
func (w *Workspace) SyncTar(ctx context.Context, req SyncTarRequest) (SyncTarResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(req.TarData)
	if err != nil {
		return SyncTarResponse{}, fmt.Errorf("%w: tarData is not base64", errdefs.ErrValidation)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return SyncTarResponse{}, fmt.Errorf("%w: tarData is not gzip: %v", errdefs.ErrValidation, err)
	}
	defer zr.Close()
	archive, err := io.ReadAll(io.LimitReader(zr, MaxTarBytes+1))
	if err != nil {
		return SyncTarResponse{}, fmt.Errorf("%w: gunzip: %v", errdefs.ErrValidation, err)
	}
	if len(archive) > MaxTarBytes {
		return SyncTarResponse{}, fmt.Errorf("%w: archive exceeds %d bytes", errdefs.ErrValidation, MaxTarBytes)
	}

	count, err := countTarFiles(archive)
	if err != nil {
		return SyncTarResponse{}, err
	}

	dest, err := w.resolvePath(req.BasePath)
	if err != nil {
		return SyncTarResponse{}, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return SyncTarResponse{}, err
	}
	res, err := execx.Run(ctx, execx.Cmd{
		Name:    "tar",
		Args:    []string{"-xf", "-", "-C", dest, "--no-same-owner"},
		Stdin:   archive,
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return SyncTarResponse{}, err
	}
	if res.ExitCode != 0 {
		return SyncTarResponse{}, fmt.Errorf("tar exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return SyncTarResponse{Extracted: count}, nil
}

func countTarFiles(archive []byte) (int, error) {
	tr := tar.NewReader(bytes.NewReader(archive))
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: bad tar: %v", errdefs.ErrValidation, err)
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(hdr.Name) || name == ".." || strings.HasPrefix(name, "../") {
			return 0, fmt.Errorf("%w: tar entry %q escapes the target", errdefs.ErrValidation, hdr.Name)
		}
		if hdr.Typeflag == tar.TypeReg {
			count++
		}
	}
}
