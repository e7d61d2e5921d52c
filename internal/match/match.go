// Package match checks that collection parameters declared as matching stay
// aligned: same size, and one counterpart per item at the same position.
package match

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// NodeSource reads the stored nodes of one parameter of a run.
type NodeSource interface {
	ParameterNodes(ctx context.Context, runID string, dir types.Direction, parameter string) ([]*types.Persistence, error)
}

// Check evaluates one match for a run. An absent collection counts as empty.
func Check(ctx context.Context, src NodeSource, runID string, m *types.Match) error {
	matching, err := root(ctx, src, runID, m.Matching, m.MatchingDirection)
	if err != nil {
		return err
	}
	matched, err := root(ctx, src, runID, m.Matched, m.MatchedDirection)
	if err != nil {
		return err
	}

	if matching.Size != matched.Size {
		return &apperr.Error{
			Kind:      apperr.ErrMatchSizeMismatch,
			Parameter: m.Matching,
			Message:   fmt.Sprintf("%d items, %s has %d", matching.Size, m.Matched, matched.Size),
		}
	}

	for _, item := range matching.Items {
		pos := collection.LastSegment(item)
		found := 0
		for _, other := range matched.Items {
			if collection.LastSegment(other) == pos {
				found++
			}
		}
		if found != 1 {
			return &apperr.Error{
				Kind:      apperr.ErrMatchIndexMisalignment,
				Parameter: m.Matching,
				Message:   fmt.Sprintf("item %s has %d counterparts in %s", pos, found, m.Matched),
			}
		}
	}
	return nil
}

// CheckAll evaluates every match of the task due at the given time and
// collects the violations.
func CheckAll(ctx context.Context, src NodeSource, runID string, task *types.Task, when types.CheckTime) error {
	batch := &apperr.BatchError{}
	for _, m := range task.MatchesAt(when) {
		batch.Add(Check(ctx, src, runID, m), m.Matching, apperr.ErrStorage)
	}
	return batch.OrNil()
}

func root(ctx context.Context, src NodeSource, runID, parameter string, dir types.Direction) (*types.Persistence, error) {
	nodes, err := src.ParameterNodes(ctx, runID, dir, parameter)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", parameter, err)
	}
	for _, n := range nodes {
		if n.Index == "" {
			return n, nil
		}
	}
	return &types.Persistence{Parameter: parameter, Kind: types.KindCollection}, nil
}
