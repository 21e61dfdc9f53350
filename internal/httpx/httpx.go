// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package httpx holds the JSON request/response helpers shared by the
// daemon's handlers and the PTY server.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// MaxBodyBytes bounds JSON request bodies. sync-tar payloads are the
// largest legitimate requests.
const MaxBodyBytes = 512 << 20

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes {"error": msg} with the status errdefs maps err to.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errdefs.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// DecodeJSON reads the request body into v. Malformed bodies wrap
// errdefs.ErrValidation.
func DecodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", errdefs.ErrValidation)
		}
		return fmt.Errorf("%w: invalid json: %v", errdefs.ErrValidation, err)
	}
	return nil
}

// Do sends body as JSON and decodes a 2xx answer into out (either may be
// nil). Non-2xx answers become errors classified by StatusError; network
// failures wrap errdefs.ErrTransport.
func Do(ctx context.Context, client *http.Client, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errdefs.ErrTransport, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return StatusError(resp.StatusCode, method+" "+req.URL.Path, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", errdefs.ErrTransport, req.URL.Path, err)
		}
	}
	return nil
}

// StatusError turns an error answer back into the errdefs sentinel the
// server started from, using the {"error"} body when there is one.
func StatusError(status int, what string, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	var kind error
	switch status {
	case http.StatusBadRequest:
		kind = errdefs.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errdefs.ErrAuth
	case http.StatusNotFound:
		kind = errdefs.ErrNotFound
	case http.StatusGatewayTimeout:
		kind = errdefs.ErrTimeout
	default:
		kind = errdefs.ErrTransport
	}
	return fmt.Errorf("%w: %s: %s", kind, what, msg)
}
