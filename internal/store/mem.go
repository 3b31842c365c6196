package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/strata/pkg/models"
)

// MemStore is an in-memory Store. Records are held as serialized JSON so
// callers get the same isolation guarantees as the filesystem store: a
// loaded document never aliases a saved one.
type MemStore struct {
	mu       sync.RWMutex
	indexes  map[string][]byte // sanitized session key -> index JSON
	archives map[string][]byte // handle -> body JSON
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		indexes:  make(map[string][]byte),
		archives: make(map[string][]byte),
	}
}

// LoadIndex returns the session's index document, or ErrNotFound.
func (s *MemStore) LoadIndex(ctx context.Context, sessionKey string) (*models.IndexDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.indexes[Sanitize(sessionKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var doc models.IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, sessionKey)
	}
	return &doc, nil
}

// SaveIndex stores a serialized copy of the document.
func (s *MemStore) SaveIndex(ctx context.Context, doc *models.IndexDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("store: nil index document")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode index: %w", err)
	}
	s.mu.Lock()
	s.indexes[Sanitize(doc.SessionKey)] = data
	s.mu.Unlock()
	return nil
}

// WriteArchive stores the body and returns a "mem://" handle.
func (s *MemStore) WriteArchive(ctx context.Context, sessionKey, nodeID string, body *models.ArchiveBody) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if body == nil {
		return "", fmt.Errorf("store: nil archive body")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("store: encode archive body: %w", err)
	}
	handle := "mem://" + Sanitize(sessionKey) + "/" + Sanitize(nodeID)
	s.mu.Lock()
	s.archives[handle] = data
	s.mu.Unlock()
	return handle, nil
}

// ReadArchive resolves a handle returned by WriteArchive.
func (s *MemStore) ReadArchive(ctx context.Context, handle string) (*models.ArchiveBody, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.archives[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var body models.ArchiveBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, handle)
	}
	return &body, nil
}

// CleanupArchives drops bodies for node ids outside keptIDs.
func (s *MemStore) CleanupArchives(ctx context.Context, sessionKey string, keptIDs map[string]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := "mem://" + Sanitize(sessionKey) + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle := range s.archives {
		if !strings.HasPrefix(handle, prefix) {
			continue
		}
		id := strings.TrimPrefix(handle, prefix)
		if _, kept := keptIDs[id]; !kept {
			delete(s.archives, handle)
		}
	}
	return nil
}
