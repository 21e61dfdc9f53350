// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logging builds the zerolog base logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level and output format.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output io.Writer
}

// New returns a base logger. Components derive from it with For.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// For tags a logger with the component name.
func For(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Nop is used by tests and by constructors that receive no logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// RedactToken renders a secret as length plus 4-char prefix/suffix.
func RedactToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	if len(token) <= 8 {
		return fmt.Sprintf("len=%d", len(token))
	}
	return fmt.Sprintf("len=%d first4=%q last4=%q", len(token), token[:4], token[len(token)-4:])
}
