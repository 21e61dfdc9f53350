// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cloudsync

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/fs"
	"github.com/Hyper-Int/cmux/internal/httpx"
)

// Remote is a sandbox daemon's file API.
type Remote struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRemote returns a client for the daemon at baseURL.
func NewRemote(baseURL, token string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	return httpx.Do(ctx, r.http, http.MethodPost, r.baseURL+path, header, body, out)
}

// List returns every regular file under path with its hash.
func (r *Remote) List(ctx context.Context, path string) ([]fs.FileInfo, error) {
	var resp fs.ListResponse
	err := r.post(ctx, "/list-files", fs.ListRequest{Path: path, Recursive: true, Hashes: true}, &resp)
	return resp.Files, err
}

// Download fetches paths relative to base.
func (r *Remote) Download(ctx context.Context, base string, paths []string) (fs.SyncDownloadResponse, error) {
	var resp fs.SyncDownloadResponse
	err := r.post(ctx, "/sync-download", fs.SyncDownloadRequest{BasePath: base, Paths: paths}, &resp)
	return resp, err
}

// Upload applies files under base and returns the per-file outcome.
func (r *Remote) Upload(ctx context.Context, base string, files []fs.SyncFile) (errdefs.BatchResult, error) {
	var resp errdefs.BatchResult
	err := r.post(ctx, "/sync-upload", fs.SyncUploadRequest{BasePath: base, Files: files}, &resp)
	return resp, err
}
