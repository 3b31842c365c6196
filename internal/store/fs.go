package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/strata/internal/observability"
	"github.com/haasonsaas/strata/pkg/models"
)

const (
	indexFileName = "index.json"
	archiveDir    = "archive"
)

// FSStore keeps one directory per session under a base path:
//
//	<base>/<sanitized-session>/index.json
//	<base>/<sanitized-session>/archive/<node-id>.json
//
// Index and archive writes go through a temp file plus rename so that
// concurrent readers only ever see complete documents.
type FSStore struct {
	base   string
	logger *observability.Logger
}

// NewFSStore creates the base directory if needed.
func NewFSStore(base string, logger *observability.Logger) (*FSStore, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("store: base path is required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("store: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base directory: %w", err)
	}
	return &FSStore{base: abs, logger: logger}, nil
}

func (s *FSStore) sessionDir(sessionKey string) string {
	return filepath.Join(s.base, Sanitize(sessionKey))
}

// LoadIndex reads the session's index document. A missing file yields
// ErrNotFound; an undecodable or version-mismatched file yields ErrCorrupt.
func (s *FSStore) LoadIndex(ctx context.Context, sessionKey string) (*models.IndexDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.sessionDir(sessionKey), indexFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read index: %w", err)
	}
	var doc models.IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn(ctx, "index file is not valid JSON, treating as missing", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	if doc.Version != models.IndexVersion {
		s.logger.Warn(ctx, "index file has unsupported version, treating as missing", "path", path, "version", doc.Version)
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	return &doc, nil
}

// SaveIndex writes the document atomically under the session directory.
func (s *FSStore) SaveIndex(ctx context.Context, doc *models.IndexDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("store: nil index document")
	}
	dir := s.sessionDir(doc.SessionKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create session directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode index: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, indexFileName), data)
}

// WriteArchive persists the body under the session's archive directory
// and returns a handle relative to the store base.
func (s *FSStore) WriteArchive(ctx context.Context, sessionKey, nodeID string, body *models.ArchiveBody) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if body == nil {
		return "", fmt.Errorf("store: nil archive body")
	}
	dir := filepath.Join(s.sessionDir(sessionKey), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: create archive directory: %w", err)
	}
	name := Sanitize(nodeID) + ".json"
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: encode archive body: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(Sanitize(sessionKey), archiveDir, name)), nil
}

// ReadArchive resolves a handle returned by WriteArchive. Handles are
// validated to stay under the store base.
func (s *FSStore) ReadArchive(ctx context.Context, handle string) (*models.ArchiveBody, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.base, filepath.FromSlash(handle))
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, s.base+string(filepath.Separator)) {
		return nil, fmt.Errorf("store: handle escapes base directory: %q", handle)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read archive: %w", err)
	}
	var body models.ArchiveBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, handle)
	}
	return &body, nil
}

// CleanupArchives removes archive bodies whose node id is not retained.
func (s *FSStore) CleanupArchives(ctx context.Context, sessionKey string, keptIDs map[string]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(s.sessionDir(sessionKey), archiveDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: list archives: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if _, kept := keptIDs[id]; kept {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("store: remove orphan archive %s: %w", entry.Name(), err)
		}
		s.logger.Debug(ctx, "removed orphan archive body", "node_id", id)
	}
	return nil
}

// writeFileAtomic writes via a temp file in the destination directory and
// renames it over the target.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}
