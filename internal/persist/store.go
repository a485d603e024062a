// Package persist saves user-authored layer content per project and restores
// it into the registry.
package persist

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Blob is one persisted layer file.
type Blob struct {
	Key        string    `json:"key"`
	Name       string    `json:"name,omitempty"`
	Data       []byte    `json:"-"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Store is a keyed, overwrite-only byte store. Get returns nil, nil for a
// missing key.
type Store interface {
	Get(ctx context.Context, key string) (*Blob, error)
	Put(ctx context.Context, b Blob) error
	Delete(ctx context.Context, key string) error
	DeleteProject(ctx context.Context, projectID string) (int, error)
	List(ctx context.Context, projectID string) ([]Blob, error)
	Close() error
}

// Key is the store key of a layer within a project.
func Key(projectID, layerID string) string {
	return projectID + ":" + layerID
}

// SplitKey is the inverse of Key. Layer ids may contain colons; project ids
// may not.
func SplitKey(key string) (projectID, layerID string, ok bool) {
	return strings.Cut(key, ":")
}

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]Blob), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	b.Data = append([]byte(nil), b.Data...)
	return &b, nil
}

func (s *MemoryStore) Put(ctx context.Context, b Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Data = append([]byte(nil), b.Data...)
	b.Size = len(b.Data)
	if b.UploadedAt.IsZero() {
		b.UploadedAt = s.now().UTC()
	}

	s.mu.Lock()
	s.blobs[b.Key] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, projectID string) (int, error) {
	prefix := Key(projectID, "")

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(s.blobs, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, projectID string) ([]Blob, error) {
	prefix := Key(projectID, "")

	s.mu.RLock()
	out := make([]Blob, 0)
	for key, b := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			b.Data = nil
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
