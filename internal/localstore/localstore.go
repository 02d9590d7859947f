// Package localstore is the device's durable key/value storage.
package localstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Keys used by the session manager and the recovery flow.
const (
	KeyDeviceID       = "device_id"
	KeyToken          = "fcm_token"
	KeyTokenLastSaved = "fcm_token_last_saved"
)

// DeviceIDPrefix prefixes every generated device identity.
const DeviceIDPrefix = "device_"

// Store is synchronous string storage that survives restarts.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// EnsureDeviceID returns the stored device identity, creating and persisting
// one on first use.
func EnsureDeviceID(s Store) (string, error) {
	id, ok, err := s.Get(KeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = DeviceIDPrefix + uuid.NewString()
	if err := s.Set(KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("storing device id: %w", err)
	}
	return id, nil
}

// MemoryStore keeps values for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Snapshot copies every stored value.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
