// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package fs implements the daemon's file API: jailed reads and writes under
// a root, content hashes, and the bulk sync primitives used by cloud sync.
package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Hyper-Int/cmux/internal/errdefs"
)

// ErrPathTraversal is returned for paths that would leave the workspace.
var ErrPathTraversal = fmt.Errorf("%w: path traversal not allowed", errdefs.ErrValidation)

// FileInfo describes a file or directory.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
	Mode    string    `json:"mode"`
	Hash    string    `json:"hash,omitempty"`
}

// Workspace provides filesystem access scoped to a root.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	// Resolve symlinks in root so containment checks compare real paths.
	absRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		absRoot, _ = filepath.Abs(root)
	}
	return &Workspace{root: absRoot}
}

// Root returns the workspace root path.
func (w *Workspace) Root() string {
	return w.root
}

// resolvePath maps a workspace path ("/a/b" or "a/b") to a real path and
// rejects anything that escapes the root, including through symlinks.
func (w *Workspace) resolvePath(path string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	cleaned := strings.TrimPrefix(filepath.Clean("/"+path), "/")
	fullPath := filepath.Join(w.root, cleaned)

	resolved, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// New file: the nearest existing ancestor must be inside the root.
		parent := filepath.Dir(fullPath)
		rest := filepath.Base(fullPath)
		for {
			resolvedParent, perr := filepath.EvalSymlinks(parent)
			if perr == nil {
				if !isPathWithin(resolvedParent, w.root) {
					return "", ErrPathTraversal
				}
				return filepath.Join(resolvedParent, rest), nil
			}
			if !os.IsNotExist(perr) || parent == filepath.Dir(parent) {
				return "", perr
			}
			rest = filepath.Join(filepath.Base(parent), rest)
			parent = filepath.Dir(parent)
		}
	}
	if !isPathWithin(resolved, w.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

// isPathWithin reports whether path is root or inside it; "/workspace-evil"
// is not inside "/workspace".
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	return strings.HasPrefix(path, prefix)
}

func (w *Workspace) rel(real string) string {
	r, _ := filepath.Rel(w.root, real)
	if r == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(r)
}

func notFound(err error, path string) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
	}
	return err
}

func infoFor(name, path string, fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    name,
		Path:    path,
		Size:    fi.Size(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode().String(),
	}
}

// List returns the entries of one directory.
func (w *Workspace) List(path string) ([]FileInfo, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, notFound(err, path)
	}
	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, infoFor(entry.Name(), w.rel(filepath.Join(resolved, entry.Name())), fi))
	}
	return result, nil
}

// ListOptions controls ListFiles.
type ListOptions struct {
	Recursive bool
	// Hashes adds a content hash to every regular file.
	Hashes bool
}

// ListFiles lists path with entry paths relative to it. A recursive listing
// contains regular files only.
func (w *Workspace) ListFiles(path string, opts ListOptions) ([]FileInfo, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(resolved); err != nil {
		return nil, notFound(err, path)
	}

	var out []FileInfo
	add := func(real string, d fs.DirEntry) error {
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(resolved, real)
		info := infoFor(d.Name(), filepath.ToSlash(rel), fi)
		if opts.Hashes && fi.Mode().IsRegular() {
			if info.Hash, err = HashFile(real); err != nil {
				return err
			}
		}
		out = append(out, info)
		return nil
	}

	if !opts.Recursive {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, notFound(err, path)
		}
		for _, e := range entries {
			if err := add(filepath.Join(resolved, e.Name()), e); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == resolved {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return add(p, d)
	})
	if err != nil {
		return nil, notFound(err, path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read returns a file's contents.
func (w *Workspace) Read(path string) ([]byte, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, notFound(err, path)
	}
	return data, nil
}

// Write writes content, creating parent directories as needed. A zero mode
// keeps an existing file's mode, or uses 0644 for a new one.
func (w *Workspace) Write(path string, content []byte, mode os.FileMode) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	if resolved == w.root {
		return fmt.Errorf("%w: cannot write the workspace root", errdefs.ErrValidation)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if mode != 0 {
		perm = mode.Perm()
	}
	if err := os.WriteFile(resolved, content, perm); err != nil {
		return err
	}
	if mode != 0 {
		return os.Chmod(resolved, perm)
	}
	return nil
}

// Delete removes a file or directory tree.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return err
	}
	if resolved == w.root {
		return fmt.Errorf("%w: cannot delete the workspace root", errdefs.ErrValidation)
	}
	if _, err := os.Lstat(resolved); err != nil {
		return notFound(err, path)
	}
	return os.RemoveAll(resolved)
}

// Stat describes a file or directory.
func (w *Workspace) Stat(path string) (*FileInfo, error) {
	resolved, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return nil, notFound(err, path)
	}
	info := infoFor(fi.Name(), w.rel(resolved), fi)
	return &info, nil
}

// Resolve exposes the real path of a workspace path.
func (w *Workspace) Resolve(path string) (string, error) {
	return w.resolvePath(path)
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, errdefs.ErrNotFound)
}
