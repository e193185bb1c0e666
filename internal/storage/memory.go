package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// Memory keeps saved blobs in memory. Used by tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]models.Blob
}

// NewMemory creates an empty in-memory saver.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]models.Blob)}
}

// Save stores a copy of the blob. The location is "memory://<name>".
func (m *Memory) Save(ctx context.Context, blob models.Blob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name, err := objectName(blob.Name)
	if err != nil {
		return "", err
	}

	blob.Name = name
	blob.Data = append([]byte(nil), blob.Data...)

	m.mu.Lock()
	m.blobs[name] = blob
	m.mu.Unlock()

	return "memory://" + name, nil
}

// Get returns the blob saved under name.
func (m *Memory) Get(name string) (models.Blob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[name]
	return b, ok
}

// Names returns the saved blob names in sorted order.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.blobs))
	for n := range m.blobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
