package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tendant/simple-earnout/pkg/earnout"
)

// Store is an in-memory implementation of earnout.EvidenceStore.
// Objects are put directly by tests and local tooling.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data        []byte
	contentType string
	updatedAt   time.Time
}

// New creates a new in-memory evidence store
func New() *Store {
	return &Store{
		objects: make(map[string]object),
	}
}

// Put stores encrypted evidence under contentID, replacing any previous object
func (s *Store) Put(contentID string, data []byte, contentType string) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[contentID] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		updatedAt:   time.Now().UTC(),
	}
}

// Stat returns metadata for the stored object
func (s *Store) Stat(ctx context.Context, contentID string) (*earnout.EvidenceMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[contentID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", earnout.ErrEvidenceNotFound, contentID)
	}

	sum := sha256.Sum256(obj.data)
	return &earnout.EvidenceMeta{
		ContentID:   contentID,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		ETag:        hex.EncodeToString(sum[:]),
		UpdatedAt:   obj.updatedAt,
	}, nil
}

// DownloadURL returns a memory:// URL naming the object
// In-memory implementation doesn't serve content over HTTP
func (s *Store) DownloadURL(ctx context.Context, contentID string) (string, error) {
	if _, err := s.Stat(ctx, contentID); err != nil {
		return "", err
	}
	return "memory://evidence/" + url.PathEscape(contentID), nil
}

// Get returns the stored bytes
func (s *Store) Get(contentID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[contentID]
	if !exists {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}
