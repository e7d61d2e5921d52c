package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// MemoryRegistry implements TaskRegistry using in-memory storage.
// Suitable for testing and local development.
type MemoryRegistry struct {
	mu        sync.RWMutex
	tasks     map[string]*types.Task
	byVersion map[string]string // namespace@version -> id
}

// NewMemoryRegistry creates a new in-memory task registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks:     make(map[string]*types.Task),
		byVersion: make(map[string]string),
	}
}

// Create registers a new task.
func (r *MemoryRegistry) Create(ctx context.Context, task *types.Task) (*types.Task, error) {
	if err := validateTask(task); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := versionKey(task.Namespace, task.Version)
	if _, exists := r.byVersion[key]; exists {
		return nil, ErrTaskExists
	}

	// Parameters and types are shared read-only from here on.
	stored := *task
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()

	r.tasks[stored.ID] = &stored
	r.byVersion[key] = stored.ID

	out := stored
	return &out, nil
}

// Get retrieves a task by ID.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	// Return a copy to prevent external mutation
	copy := *task
	return &copy, nil
}

// GetByVersion retrieves a task by namespace and version.
func (r *MemoryRegistry) GetByVersion(ctx context.Context, namespace, version string) (*types.Task, error) {
	r.mu.RLock()
	id, ok := r.byVersion[versionKey(namespace, version)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return r.Get(ctx, id)
}

// Delete removes a task.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	delete(r.byVersion, versionKey(task.Namespace, task.Version))
	delete(r.tasks, id)
	return nil
}

// List returns all tasks matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*types.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		copy := *task
		tasks = append(tasks, &copy)
	}
	return page(tasks, opts), nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

var _ TaskRegistry = (*MemoryRegistry)(nil)
