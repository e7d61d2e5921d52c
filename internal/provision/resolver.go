package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
)

// DefaultDataNamespace holds shared data that inputs may reference instead
// of uploading it. Jobs see it mounted under /data.
const DefaultDataNamespace = "appengine-data"

// StorageResolver resolves references as paths inside a storage namespace.
type StorageResolver struct {
	backend   storage.Backend
	namespace string
}

// NewStorageResolver creates a resolver reading from namespace. An empty
// namespace means DefaultDataNamespace.
func NewStorageResolver(backend storage.Backend, namespace string) *StorageResolver {
	if namespace == "" {
		namespace = DefaultDataNamespace
	}
	return &StorageResolver{backend: backend, namespace: namespace}
}

// Resolve returns the content of the referenced file.
func (r *StorageResolver) Resolve(ctx context.Context, reference string) ([]byte, error) {
	p := storage.Clean(reference)
	if p == "" {
		return nil, errors.New("empty reference")
	}
	data, err := r.backend.Read(ctx, r.namespace, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	e, ok := data.Lookup(p)
	if !ok || e.IsDir() {
		return nil, fmt.Errorf("%s is not a file", p)
	}
	return e.Data, nil
}
