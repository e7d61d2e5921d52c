// Package runstore provides run state, persistence-node and checksum storage.
package runstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunExists       = errors.New("run already exists")
	ErrVersionConflict = errors.New("run was modified concurrently")
	ErrLockTimeout     = errors.New("timed out waiting for run lock")
)

// RunStore persists runs, the persistence arena of their parameters and the
// checksums of their stored files. Implementations must be safe for
// concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context, taskID string) ([]*types.Run, error)

	// CommitState stores run's state and timestamps if the stored version
	// still equals run.Version, and advances run.Version. Otherwise it
	// returns ErrVersionConflict and stores nothing.
	CommitState(ctx context.Context, run *types.Run) error

	// Lock serialises callers on one run until the returned function is
	// called. It blocks until the lock is held or ctx is done.
	Lock(ctx context.Context, runID string) (func(), error)

	// Persistence arena
	// ReplaceNodes replaces every node of one parameter. An empty slice
	// removes the parameter's nodes.
	ReplaceNodes(ctx context.Context, runID string, dir types.Direction, parameter string, nodes []*types.Persistence) error
	ParameterNodes(ctx context.Context, runID string, dir types.Direction, parameter string) ([]*types.Persistence, error)
	ListNodes(ctx context.Context, runID string, dir types.Direction) ([]*types.Persistence, error)

	// Checksums
	PutChecksum(ctx context.Context, c *types.Checksum) error
	GetChecksum(ctx context.Context, reference string) (*types.Checksum, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// TTL for runs (0 = no expiry)
	TTL time.Duration

	// LockTTL bounds how long a lock survives a crashed holder.
	LockTTL time.Duration

	// LockRetry is the polling interval while waiting for a lock.
	LockRetry time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		TTL:       7 * 24 * time.Hour,
		LockTTL:   30 * time.Second,
		LockRetry: 25 * time.Millisecond,
	}
}

// sortNodes orders nodes by parameter, then shallowest first, then by index.
func sortNodes(nodes []*types.Persistence) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Parameter != b.Parameter {
			return a.Parameter < b.Parameter
		}
		da, db := depth(a.Index), depth(b.Index)
		if da != db {
			return da < db
		}
		return a.Index < b.Index
	})
}

func depth(index string) int {
	if index == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(index); i++ {
		if index[i] == '/' {
			n++
		}
	}
	return n
}

func cloneNodes(nodes []*types.Persistence) []*types.Persistence {
	out := make([]*types.Persistence, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}
