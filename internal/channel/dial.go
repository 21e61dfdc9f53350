// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/cmux/internal/ws"
)

// DialLoop keeps an outbound connection to url open until ctx is done,
// reconnecting with exponential backoff between 1s and 30s.
func (c *Channel) DialLoop(ctx context.Context, url, token string) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	backoff := minBackoff
	for {
		raw, _, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			c.log.Info().Str("url", url).Msg("connected to orchestrator")
			backoff = minBackoff
			conn := ws.Wrap(raw)
			c.Attach(conn)
			select {
			case <-conn.Done():
			case <-ctx.Done():
				return
			}
		} else {
			c.log.Warn().Err(err).Str("url", url).Dur("retry_in", backoff).Msg("dial failed")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
