// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/execx"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/httpx"
)

type execRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout is in milliseconds.
	Timeout int `json:"timeout,omitempty"`
}

type execResponse struct {
	execx.Result
	Error string `json:"error,omitempty"`
}

// handleExec runs a command. A non-zero exit and a timeout are both
// answered with 200 and the captured output.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Command == "" {
		httpx.WriteError(w, fmt.Errorf("%w: command is required", errdefs.ErrValidation))
		return
	}
	if req.Timeout < 0 {
		httpx.WriteError(w, fmt.Errorf("%w: timeout must not be negative", errdefs.ErrValidation))
		return
	}

	cmd := execx.Cmd{Name: req.Command, Args: req.Args}
	if len(req.Args) == 0 {
		cmd = execx.Shell(req.Command)
	}
	cmd.Dir = req.Cwd
	cmd.Env = req.Env
	cmd.Timeout = time.Duration(req.Timeout) * time.Millisecond

	res, err := execx.Run(r.Context(), cmd)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, execResponse{Result: res})
	case errors.Is(err, errdefs.ErrTimeout):
		httpx.WriteJSON(w, http.StatusOK, execResponse{Result: res, Error: err.Error()})
	default:
		httpx.WriteError(w, err)
	}
}

type pathRequest struct {
	Path string `json:"path"`
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	data, err := s.files.Read(req.Path)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, fileContent{
		Path:    req.Path,
		Content: base64.StdEncoding.EncodeToString(data),
		Size:    int64(len(data)),
	})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req fileContent
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		httpx.WriteError(w, fmt.Errorf("%w: content is not base64: %v", errdefs.ErrValidation, err))
		return
	}
	mode, err := fs.ParseMode(req.Mode)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.files.Write(req.Path, data, mode); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"path": req.Path, "size": len(data)})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.files.Delete(req.Path); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var req fs.ListRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	files, err := s.files.ListFiles(req.Path, fs.ListOptions{Recursive: req.Recursive, Hashes: req.Hashes})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if files == nil {
		files = []fs.FileInfo{}
	}
	httpx.WriteJSON(w, http.StatusOK, fs.ListResponse{Path: req.Path, Files: files})
}

// handleSyncUpload always answers 200; per-file failures are in the body.
func (s *Server) handleSyncUpload(w http.ResponseWriter, r *http.Request) {
	var req fs.SyncUploadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res := s.files.SyncUpload(req)
	if res.Partial() {
		s.log.Warn().Int("failed", len(res.Failed)).Int("succeeded", len(res.Succeeded)).
			Str("base", req.BasePath).Msg("sync-upload partially failed")
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncDownload(w http.ResponseWriter, r *http.Request) {
	var req fs.SyncDownloadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.files.SyncDownload(req))
}

func (s *Server) handleSyncTar(w http.ResponseWriter, r *http.Request) {
	var req fs.SyncTarRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp, err := s.files.SyncTar(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.log.Info().Str("base", req.BasePath).Int("files", resp.Extracted).Msg("sync-tar extracted")
	httpx.WriteJSON(w, http.StatusOK, resp)
}
