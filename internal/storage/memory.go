package storage

import (
	"bytes"
	"context"
	"sync"
)

// MemoryBackend is an in-memory Backend implementation for testing.
// Thread-safe for concurrent reads and writes.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blobs: make(map[string][]byte),
	}
}

// Put stores data under key.
func (b *MemoryBackend) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.blobs[key]; ok {
		if bytes.Equal(existing, data) {
			return nil
		}
		return ErrConflict
	}

	// Copy to prevent external mutation
	copied := make([]byte, len(data))
	copy(copied, data)
	b.blobs[key] = copied
	return nil
}

// Get returns the blob stored under key.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// Exists reports whether a blob is stored under key.
func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[key]
	return ok, nil
}

// Delete removes the blob under key.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}
