package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// KVStore is the key/value persistence port used to snapshot callback records.
// Values are opaque bytes; namespaces isolate independent data sets.
type KVStore interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
	GetAll(ctx context.Context, namespace string) (map[string][]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteAll(ctx context.Context, namespace string) error
}

func validateNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	return nil
}

func validateKey(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

// MemoryKVStore keeps values in process memory.
type MemoryKVStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ KVStore = (*MemoryKVStore)(nil)

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryKVStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKVStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryKVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryKVStore) DeleteAll(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, namespace)
	return nil
}
