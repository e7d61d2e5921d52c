// Package registry provides task registration and lookup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Common errors returned by TaskRegistry implementations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
)

// ListOptions configures list queries.
type ListOptions struct {
	// Namespace filters tasks of one namespace (empty = all)
	Namespace string

	// Limit is the maximum number of tasks to return (0 = no limit)
	Limit int

	// Offset is the number of tasks to skip (for pagination)
	Offset int
}

// TaskRegistry stores registered tasks. Tasks are immutable once created.
// Implementations must be safe for concurrent use.
type TaskRegistry interface {
	// Create registers a task and assigns its ID and creation time.
	// Returns ErrTaskExists if the namespace and version are taken.
	Create(ctx context.Context, task *types.Task) (*types.Task, error)

	// Get retrieves a task by ID. Returns ErrTaskNotFound if not found.
	Get(ctx context.Context, id string) (*types.Task, error)

	// GetByVersion retrieves a task by namespace and version.
	GetByVersion(ctx context.Context, namespace, version string) (*types.Task, error)

	// Delete removes a task. Returns ErrTaskNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns the tasks matching the options, ordered by namespace
	// then version.
	List(ctx context.Context, opts *ListOptions) ([]*types.Task, error)

	// Close releases any resources.
	Close() error
}

// validateTask checks the identity fields and the parameter set of a task.
func validateTask(t *types.Task) error {
	if t.Namespace == "" {
		return errors.New("task namespace is required")
	}
	if t.Version == "" {
		return errors.New("task version is required")
	}
	if t.Name == "" {
		return errors.New("task name is required")
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Type == nil {
			return fmt.Errorf("parameter %q has no type", p.Name)
		}
		key := string(p.Direction) + "/" + p.Name
		if seen[key] {
			return fmt.Errorf("parameter %q declared twice as %s", p.Name, p.Direction)
		}
		seen[key] = true
	}
	for _, m := range t.Matches {
		if _, ok := t.Parameter(m.Matching, m.MatchingDirection); !ok {
			return fmt.Errorf("match references unknown parameter %q", m.Matching)
		}
		if _, ok := t.Parameter(m.Matched, m.MatchedDirection); !ok {
			return fmt.Errorf("match references unknown parameter %q", m.Matched)
		}
	}
	return nil
}

func versionKey(namespace, version string) string {
	return namespace + "@" + version
}

// page sorts tasks and applies the namespace filter, offset and limit.
func page(tasks []*types.Task, opts *ListOptions) []*types.Task {
	if opts == nil {
		opts = &ListOptions{}
	}
	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if opts.Namespace == "" || t.Namespace == opts.Namespace {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Version < out[j].Version
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*types.Task{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}
