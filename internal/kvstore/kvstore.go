// Package kvstore backs the operator key/value surface. Keys live in
// tenant-scoped namespaces: authenticated clients write under their tenant,
// everyone else shares the default namespace.
package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultNamespace holds keys for clients without a tenant claim.
const DefaultNamespace = "default"

// NamespaceFor derives the storage namespace from a client's tenant claim.
func NamespaceFor(tenantID string) string {
	if tenantID == "" {
		return DefaultNamespace
	}
	return "tenant:" + tenantID
}

// Store is the namespaced key/value contract. Values are arbitrary
// JSON-encodable data.
type Store interface {
	Set(ctx context.Context, namespace, key string, value interface{}) (updated bool, err error)
	Get(ctx context.Context, namespace, key string) (value interface{}, found bool, err error)
	Delete(ctx context.Context, namespace, key string) (deleted bool, err error)
	List(ctx context.Context, namespace, prefix string) ([]string, error)
	Stats(ctx context.Context) map[string]interface{}
	Name() string
}

// MemoryStore keeps namespaces in process memory. The fallback when no redis
// backend is configured; contents die with the broker.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]interface{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]interface{})}
}

func (m *MemoryStore) Set(_ context.Context, namespace, key string, value interface{}) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaces[namespace]
	if ns == nil {
		ns = make(map[string]interface{})
		m.namespaces[namespace] = ns
	}
	_, existed := ns[key]
	ns[key] = value
	return existed, nil
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string) (interface{}, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, found := m.namespaces[namespace][key]
	return value, found, nil
}

func (m *MemoryStore) Delete(_ context.Context, namespace, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaces[namespace]
	if _, found := ns[key]; !found {
		return false, nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(m.namespaces, namespace)
	}
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.namespaces[namespace]))
	for key := range m.namespaces[namespace] {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Stats(_ context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, ns := range m.namespaces {
		total += len(ns)
	}
	return map[string]interface{}{
		"backend":    m.Name(),
		"namespaces": len(m.namespaces),
		"keys":       total,
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("'key' is required")
	}
	return nil
}
