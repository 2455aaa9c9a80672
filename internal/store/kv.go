// Package store persists assistant state in a key-value backend.
package store

import (
	"context"
	"errors"
	"sync"
)

// Keys under which the gateway stores each record.
const (
	KeyConfig      = "foxy_config"
	KeySessions    = "foxy_sessions"
	KeyLastScreen  = "foxy_last_screen"
	KeyUserProfile = "foxy_user_profile"
	KeyGuestStats  = "foxy_guest_stats"
)

var (
	// ErrNotFound is returned by KV.Get for an unknown key.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned after the backend has been closed.
	ErrClosed = errors.New("store closed")
)

// KV is the raw storage backend.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryKV keeps values in a map. Used by tests and when the database
// cannot be opened.
type MemoryKV struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryKV returns an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
