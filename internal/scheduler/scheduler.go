// Package scheduler hands provisioned runs over for execution and reports
// the states the execution backend owns.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Schedule is everything an execution backend needs to start a run.
type Schedule struct {
	Run  *types.Run
	Task *types.Task

	// Links lists, per input parameter, the files passed by reference. They
	// are linked into the run's inputs instead of being copied.
	Links []ParameterLinks
}

// ParameterLinks groups the referenced files of one parameter.
type ParameterLinks struct {
	Parameter string               `json:"parameter"`
	Symlinks  []collection.Symlink `json:"symlinks"`
}

// Scheduler starts runs. Schedule returns once the run has been accepted;
// execution itself is asynchronous. Cancel withdraws a scheduled run; it
// succeeds when there is nothing to withdraw.
type Scheduler interface {
	Schedule(ctx context.Context, s *Schedule) error
	Cancel(ctx context.Context, runID string) error
}

// StateReporter receives the states observed on the execution backend.
type StateReporter interface {
	ObserveState(ctx context.Context, runID string, state types.RunState) error
}

// LogScheduler accepts every run and only logs it. The run stays in QUEUING
// until its outputs are submitted.
type LogScheduler struct {
	logger *slog.Logger
}

// NewLogScheduler creates a scheduler for local development.
func NewLogScheduler(logger *slog.Logger) *LogScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogScheduler{logger: logger}
}

func (s *LogScheduler) Schedule(ctx context.Context, sc *Schedule) error {
	links := 0
	for _, l := range sc.Links {
		links += len(l.Symlinks)
	}
	s.logger.Info("run scheduled",
		slog.String("run_id", sc.Run.ID),
		slog.String("task", sc.Task.Namespace+"@"+sc.Task.Version),
		slog.String("image", sc.Task.Image),
		slog.Int("symlinks", links),
	)
	return nil
}

func (s *LogScheduler) Cancel(ctx context.Context, runID string) error {
	s.logger.Info("run cancelled", slog.String("run_id", runID))
	return nil
}

var _ Scheduler = (*LogScheduler)(nil)
