// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package terminal

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Hyper-Int/cmux/internal/errdefs"
	"github.com/Hyper-Int/cmux/internal/protocol"
)

const defaultAuthFileMode os.FileMode = 0o600

// ExpandHome replaces a leading "~" or "$HOME" with home.
func ExpandHome(path, home string) string {
	switch {
	case path == "~" || path == "$HOME":
		return home
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(home, path[2:])
	case strings.HasPrefix(path, "$HOME/"):
		return filepath.Join(home, path[len("$HOME/"):])
	}
	return path
}

// writeAuthFiles writes each file independently. Failures are logged and
// collected; they never stop the remaining files.
func writeAuthFiles(files []protocol.AuthFile, home string, log zerolog.Logger) errdefs.BatchResult {
	var res errdefs.BatchResult
	for _, f := range files {
		dest := ExpandHome(f.DestinationPath, home)
		if err := writeAuthFile(dest, f); err != nil {
			log.Warn().Err(err).Str("path", dest).Msg("auth file not written")
			res.Fail(dest, err)
			continue
		}
		res.Ok(dest)
	}
	return res
}

func writeAuthFile(dest string, f protocol.AuthFile) error {
	if !filepath.IsAbs(dest) {
		return fmt.Errorf("%w: %q is not absolute", errdefs.ErrValidation, dest)
	}
	mode := defaultAuthFileMode
	if f.Mode != "" {
		m, err := strconv.ParseUint(f.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("%w: mode %q: %v", errdefs.ErrValidation, f.Mode, err)
		}
		mode = os.FileMode(m).Perm()
	}
	data, err := base64.StdEncoding.DecodeString(f.ContentBase64)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, mode); err != nil {
		return err
	}
	// WriteFile leaves the mode of an existing file alone.
	return os.Chmod(dest, mode)
}
