// Package artifacts stores size-capped files uploaded by wrappers.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/store"
)

// ErrTooLarge is returned when an upload exceeds the configured cap. The
// partial file has already been removed by the time the caller sees it.
var ErrTooLarge = errors.New("artifacts: upload exceeds size limit")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// typeByExtension maps filename extensions to artifact types.
var typeByExtension = map[string]string{
	".log":      "log",
	".txt":      "text",
	".json":     "json",
	".diff":     "diff",
	".patch":    "patch",
	".md":       "markdown",
	".markdown": "markdown",
}

// contentTypes maps artifact types to download content types.
var contentTypes = map[string]string{
	"log":      "text/plain; charset=utf-8",
	"text":     "text/plain; charset=utf-8",
	"json":     "application/json",
	"diff":     "text/x-diff; charset=utf-8",
	"patch":    "text/x-diff; charset=utf-8",
	"markdown": "text/markdown; charset=utf-8",
	"file":     "application/octet-stream",
}

// Store writes artifact files under a root directory, one subdirectory per
// run, and records rows through the DB store.
type Store struct {
	root    string
	maxSize int64
	db      *store.Store
	log     zerolog.Logger
}

// New creates an artifact store rooted at dir.
func New(dir string, maxSize int64, db *store.Store) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &Store{root: dir, maxSize: maxSize, db: db, log: logging.WithComponent("artifacts")}, nil
}

// SanitizeName reduces a client-supplied filename to its basename with any
// character outside [A-Za-z0-9._-] replaced by underscore.
func SanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == ".." {
		base = "artifact"
	}
	return base
}

// TypeForName infers the artifact type from the filename extension.
func TypeForName(name string) string {
	if t, ok := typeByExtension[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "file"
}

// ContentType returns the download content type for an artifact type.
func ContentType(artifactType string) string {
	if ct, ok := contentTypes[artifactType]; ok {
		return ct
	}
	return contentTypes["file"]
}

// Save streams an upload to disk with a running byte count. On overrun the
// partial file is deleted, no row is written, and ErrTooLarge is returned.
func (s *Store) Save(runID, name string, r io.Reader) (*store.Artifact, error) {
	safe := SanitizeName(name)
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create run dir: %w", err)
	}
	path := filepath.Join(dir, id+"_"+safe)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create file: %w", err)
	}

	// LimitReader with one extra byte detects overrun without buffering
	// the whole upload.
	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("artifacts: write: %w", err)
	}
	if written > s.maxSize {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	a := &store.Artifact{
		ID:    id,
		RunID: runID,
		Name:  safe,
		Type:  TypeForName(safe),
		Size:  written,
		Path:  path,
	}
	if err := s.db.CreateArtifact(a); err != nil {
		os.Remove(path)
		return nil, err
	}
	metrics.ArtifactBytes.Add(float64(written))
	return a, nil
}

// Open returns a reader over a stored artifact.
func (s *Store) Open(a *store.Artifact) (io.ReadCloser, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", a.ID, err)
	}
	return f, nil
}

// Delete removes the file then the row. A missing file is not an error so
// delete stays idempotent.
func (s *Store) Delete(a *store.Artifact) error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifacts: remove file: %w", err)
	}
	return s.db.DeleteArtifact(a.ID)
}
