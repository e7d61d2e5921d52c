package storage

import (
	"context"
	"path"
	"strings"
	"sync"
)

// MemoryBackend provides an in-memory storage backend for development and tests.
type MemoryBackend struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		namespaces: make(map[string]map[string][]byte),
	}
}

func (m *MemoryBackend) CreateNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = make(map[string][]byte)
	}
	return nil
}

func (m *MemoryBackend) Write(ctx context.Context, namespace string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, ok := m.namespaces[namespace]
	if !ok {
		return ErrNotFound
	}
	p := Clean(entry.Path)
	for dir := path.Dir(p); dir != "." && dir != ""; dir = path.Dir(dir) {
		objects[dir+"/"] = nil
	}
	if entry.IsDir() {
		objects[p+"/"] = nil
		return nil
	}
	objects[p] = append([]byte(nil), entry.Data...)
	return nil
}

func (m *MemoryBackend) Read(ctx context.Context, namespace, p string) (*Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	objects, ok := m.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := make(map[string][]byte, len(objects))
	for k, v := range objects {
		snapshot[k] = append([]byte(nil), v...)
	}
	return dataFromObjects(p, snapshot)
}

func (m *MemoryBackend) Remove(ctx context.Context, namespace, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, ok := m.namespaces[namespace]
	if !ok {
		return ErrNotFound
	}
	p = Clean(p)
	for k := range objects {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(objects, k)
		}
	}
	return nil
}

func (m *MemoryBackend) DeleteNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
