// Package sandbox confines a run's working directory to its declared root.
// The root is fixed at run start; cd may descend or ascend within it but
// never escape.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscape is returned for any path that would leave the sandbox root.
var ErrEscape = errors.New("sandbox: path escapes sandbox root")

// Sandbox validates paths against an absolute root directory.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at dir. The directory must exist.
func New(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox: root %s is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a candidate path (absolute, or relative to base) to an
// absolute path inside the root, or ErrEscape. base must itself be inside
// the root.
func (s *Sandbox) Resolve(base, path string) (string, error) {
	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Join(base, path)
	}

	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return "", ErrEscape
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrEscape
	}
	if candidate != s.root && !strings.HasPrefix(candidate, s.root+string(filepath.Separator)) {
		return "", ErrEscape
	}
	return candidate, nil
}

// ResolveDir is Resolve plus existence and is-directory checks; only
// validated paths may become the new working directory.
func (s *Sandbox) ResolveDir(base, path string) (string, error) {
	abs, err := s.Resolve(base, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("sandbox: %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("sandbox: %s is not a directory", path)
	}
	return abs, nil
}

// Rel reports a path relative to the root, "." for the root itself. Used
// by pwd/ls so operators see sandbox-relative paths only.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "."
	}
	return rel
}
