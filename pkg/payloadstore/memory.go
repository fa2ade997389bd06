package payloadstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store backend for tests and for dry-run
// pipelines that never need durable payload retention.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	purged map[string]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		purged: make(map[string]bool),
	}
}

// Store records data under its content reference, idempotently.
func (m *MemoryStore) Store(ctx context.Context, data []byte) (string, error) {
	ref := ContentRef(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.purged[ref] {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.blobs[ref] = cp
	}
	return ref, nil
}

// Retrieve returns the stored bytes, ErrPayloadPurged, or ErrPayloadNotFound.
func (m *MemoryStore) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.purged[ref] {
		return nil, ErrPayloadPurged
	}
	data, ok := m.blobs[ref]
	if !ok {
		return nil, ErrPayloadNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether ref currently has retrievable bytes.
func (m *MemoryStore) Exists(ctx context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.purged[ref] {
		return false, nil
	}
	_, ok := m.blobs[ref]
	return ok, nil
}

// Purge simulates a retention sweep: the bytes are gone but the reference is
// remembered as having once existed, so Retrieve can distinguish PURGED from
// NOT_FOUND the way a real lifecycle-managed object store's tombstone would.
func (m *MemoryStore) Purge(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	m.purged[ref] = true
}
