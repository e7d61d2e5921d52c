package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu    sync.RWMutex
	run   *types.Run
	nodes map[types.Direction]map[string][]*types.Persistence // direction -> parameter -> nodes
	// lock is a one-slot semaphore so waiting respects context cancellation.
	lock chan struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*memoryRun
	checksums map[string]uint32
	config    *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:      make(map[string]*memoryRun),
		checksums: make(map[string]uint32),
		config:    cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	if run.Version == 0 {
		run.Version = 1
	}
	s.runs[run.ID] = &memoryRun{
		run: run.Clone(),
		nodes: map[types.Direction]map[string][]*types.Persistence{
			types.DirectionInput:  {},
			types.DirectionOutput: {},
		},
		lock: make(chan struct{}, 1),
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.run.Clone(), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, taskID string) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Run
	for _, run := range s.runs {
		run.mu.RLock()
		if taskID == "" || run.run.TaskID == taskID {
			out = append(out, run.run.Clone())
		}
		run.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CommitState(ctx context.Context, next *types.Run) error {
	run, err := s.get(next.ID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.run.Version != next.Version {
		return ErrVersionConflict
	}
	next.Version++
	stored := run.run.Clone()
	stored.State = next.State
	stored.UpdatedAt = next.UpdatedAt
	stored.LastStateTransitionAt = next.Clone().LastStateTransitionAt
	stored.Version = next.Version
	run.run = stored
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, runID string) (func(), error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case run.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-run.lock }) }, nil
}

func (s *MemoryStore) ReplaceNodes(ctx context.Context, runID string, dir types.Direction, parameter string, nodes []*types.Persistence) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if len(nodes) == 0 {
		delete(run.nodes[dir], parameter)
		return nil
	}
	run.nodes[dir][parameter] = cloneNodes(nodes)
	return nil
}

func (s *MemoryStore) ParameterNodes(ctx context.Context, runID string, dir types.Direction, parameter string) ([]*types.Persistence, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()

	out := cloneNodes(run.nodes[dir][parameter])
	sortNodes(out)
	return out, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, runID string, dir types.Direction) ([]*types.Persistence, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()

	var out []*types.Persistence
	for _, nodes := range run.nodes[dir] {
		out = append(out, cloneNodes(nodes)...)
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryStore) PutChecksum(ctx context.Context, c *types.Checksum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checksums[c.Reference] = c.CRC32
	return nil
}

func (s *MemoryStore) GetChecksum(ctx context.Context, reference string) (*types.Checksum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.checksums[reference]
	if !ok {
		return nil, checksum.ErrNotRecorded
	}
	return &types.Checksum{Reference: reference, CRC32: sum}, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"adapter":   "memory",
		"runs":      len(s.runs),
		"checksums": len(s.checksums),
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var (
	_ RunStore       = (*MemoryStore)(nil)
	_ checksum.Store = (*MemoryStore)(nil)
)
