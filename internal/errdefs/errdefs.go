// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package errdefs holds the error taxonomy shared by the worker and the
// sandbox daemon. Call sites wrap one of the sentinels with context:
//
//	fmt.Errorf("%w: cols must be positive", errdefs.ErrValidation)
//
// and boundaries (HTTP handlers, channel acks) classify with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("unauthorized")
	ErrSpawn      = errors.New("process failed to start")
	ErrPartialIO  = errors.New("partial failure")
	ErrTimeout    = errors.New("timed out")
	ErrTransport  = errors.New("transport closed")
	ErrNotFound   = errors.New("not found")
)

// HTTPStatus maps an error to the status code the daemon answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ItemFailure describes one failed item of a batch.
type ItemFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BatchResult is returned by operations that apply each item independently
// (sync-upload, upload-files). A failed item never aborts the rest.
type BatchResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
}

// Ok records a successful item.
func (r *BatchResult) Ok(path string) {
	r.Succeeded = append(r.Succeeded, path)
}

// Fail records a failed item.
func (r *BatchResult) Fail(path string, err error) {
	r.Failed = append(r.Failed, ItemFailure{Path: path, Error: err.Error()})
}

// Partial reports whether at least one item failed.
func (r BatchResult) Partial() bool {
	return len(r.Failed) > 0
}

// Err returns nil when every item succeeded, otherwise an error wrapping
// ErrPartialIO.
func (r BatchResult) Err() error {
	if !r.Partial() {
		return nil
	}
	return &partialError{failed: len(r.Failed), total: len(r.Failed) + len(r.Succeeded)}
}

type partialError struct {
	failed, total int
}

func (e *partialError) Error() string {
	return fmt.Sprintf("%s: %d of %d items failed", ErrPartialIO, e.failed, e.total)
}

func (e *partialError) Unwrap() error { return ErrPartialIO }
