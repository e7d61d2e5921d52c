// Package provision runs the task-run state machine: run creation, input
// provisioning, state actions and the scheduler hand-off, plus retrieval of
// provisioned inputs and produced outputs.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/match"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Finisher ingests outputs the scheduler already wrote to a run's outputs
// namespace. The caller holds the run lock.
type Finisher interface {
	Finish(ctx context.Context, run *types.Run, task *types.Task) error
}

// Config holds provisioning service configuration.
type Config struct {
	// LockTimeout bounds the wait for a run's lock.
	LockTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Tasks     registry.TaskRegistry
	Runs      runstore.RunStore
	Storage   storage.Backend
	Checksums *checksum.Tracker
	Scheduler scheduler.Scheduler

	// Resolver loads files provisioned by reference. Nil rejects references.
	Resolver collection.Resolver
}

// Service implements run creation, provisioning and state actions.
type Service struct {
	tasks     registry.TaskRegistry
	runs      runstore.RunStore
	storage   storage.Backend
	checksums *checksum.Tracker
	scheduler scheduler.Scheduler
	resolver  collection.Resolver
	finisher  Finisher

	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService creates a provisioning service.
func NewService(deps Deps, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:     deps.Tasks,
		runs:      deps.Runs,
		storage:   deps.Storage,
		checksums: deps.Checksums,
		scheduler: deps.Scheduler,
		resolver:  deps.Resolver,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("appengine/provision"),
	}
}

// SetFinisher installs the output ingestion used by the FINISHED state action.
func (s *Service) SetFinisher(f Finisher) {
	s.finisher = f
}

// CreateRun creates a run of the task with the given id.
func (s *Service) CreateRun(ctx context.Context, taskID string) (*types.Run, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, taskError(err, taskID)
	}
	return s.createRun(ctx, task)
}

// CreateRunByVersion creates a run of the task registered as namespace@version.
func (s *Service) CreateRunByVersion(ctx context.Context, namespace, version string) (*types.Run, error) {
	task, err := s.tasks.GetByVersion(ctx, namespace, version)
	if err != nil {
		return nil, taskError(err, namespace+"@"+version)
	}
	return s.createRun(ctx, task)
}

func (s *Service) createRun(ctx context.Context, task *types.Task) (*types.Run, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run := &types.Run{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		TaskNamespace: task.Namespace,
		TaskVersion:   task.Version,
		State:         types.RunStateCreated,
		Secret:        secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, ns := range []string{types.InputsNamespace(run.ID), types.OutputsNamespace(run.ID)} {
		if err := s.storage.CreateNamespace(ctx, ns); err != nil {
			return nil, apperr.New(apperr.ErrStorage, "create namespace %s: %v", ns, err)
		}
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	metrics.RunsCreated.Inc()

	s.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("task", task.Namespace+"@"+task.Version),
	)
	return run, nil
}

// GetRun returns the run with the given id.
func (s *Service) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, apperr.New(apperr.ErrRunNotFound, "run %s", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Resource returns the run together with its task description.
func (s *Service) Resource(ctx context.Context, runID string) (*types.Resource, error) {
	run, task, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return resource(run, task), nil
}

// load returns a run and its task.
func (s *Service) load(ctx context.Context, runID string) (*types.Run, *types.Task, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.tasks.Get(ctx, run.TaskID)
	if err != nil {
		return nil, nil, taskError(err, run.TaskID)
	}
	return run, task, nil
}

// locked runs fn while holding the run's lock, with the run and its task
// loaded after the lock was taken.
func (s *Service) locked(ctx context.Context, runID string, fn func(run *types.Run, task *types.Task) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	unlock, err := s.runs.Lock(lockCtx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return apperr.New(apperr.ErrRunNotFound, "run %s", runID)
		}
		return fmt.Errorf("lock run %s: %w", runID, err)
	}
	defer unlock()

	run, task, err := s.load(ctx, runID)
	if err != nil {
		return err
	}
	return fn(run, task)
}

// Commit moves run to the given state through the store's compare-and-swap
// and updates run in place.
func Commit(ctx context.Context, runs runstore.RunStore, run *types.Run, to types.RunState) error {
	from := run.State
	now := time.Now().UTC()
	next := run.Clone()
	next.State = to
	next.UpdatedAt = now
	next.LastStateTransitionAt = &now
	if err := runs.CommitState(ctx, next); err != nil {
		return fmt.Errorf("commit %s -> %s: %w", from, to, err)
	}
	*run = *next
	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// Act applies a requested state transition and returns the run snapshot.
func (s *Service) Act(ctx context.Context, runID string, desired string) (*types.StateAction, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Act", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("desired", desired),
	))
	defer span.End()

	state, ok := types.ParseRunState(desired)
	if !ok {
		return nil, apperr.New(apperr.ErrUnknownState, "%q", desired)
	}

	var out *types.Resource
	err := s.locked(ctx, runID, func(run *types.Run, task *types.Task) error {
		var err error
		switch state {
		case types.RunStateProvisioned:
			err = s.toProvisioned(ctx, run, task)
		case types.RunStateRunning:
			err = s.run(ctx, run, task)
		case types.RunStateFinished:
			err = s.finish(ctx, run, task)
		default:
			err = apperr.New(apperr.ErrUnknownState, "%s cannot be requested", state)
		}
		if err != nil {
			return err
		}
		out = resource(run, task)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &types.StateAction{Status: "success", Resource: out}, nil
}

func (s *Service) toProvisioned(ctx context.Context, run *types.Run, task *types.Task) error {
	if run.State != types.RunStateCreated {
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, expected %s", run.State, types.RunStateCreated)
	}
	done, err := s.allProvisioned(ctx, run, task)
	if err != nil {
		return err
	}
	if !done {
		return apperr.New(apperr.ErrNotProvisioned, "not every input of run %s is provisioned", run.ID)
	}
	return Commit(ctx, s.runs, run, types.RunStateProvisioned)
}

// run checks the before-execution matches, hands the run to the scheduler
// and commits QUEUING.
func (s *Service) run(ctx context.Context, run *types.Run, task *types.Task) error {
	switch run.State {
	case types.RunStateProvisioned:
	case types.RunStateCreated:
		return apperr.New(apperr.ErrNotProvisioned, "run %s", run.ID)
	default:
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, expected %s", run.State, types.RunStateProvisioned)
	}

	if err := match.CheckAll(ctx, s.runs, run.ID, task, types.CheckBeforeExecution); err != nil {
		return err
	}

	sc := &scheduler.Schedule{Run: run, Task: task}
	for _, p := range task.Inputs() {
		if !types.IsCollection(p.Type) {
			continue
		}
		nodes, err := s.runs.ParameterNodes(ctx, run.ID, types.DirectionInput, p.Name)
		if err != nil {
			return fmt.Errorf("load %s: %w", p.Name, err)
		}
		tree := collection.NewTree(run.ID, types.DirectionInput, p, nodes)
		if root := tree.Root(); root == nil || !root.Referenced {
			continue
		}
		sc.Links = append(sc.Links, scheduler.ParameterLinks{Parameter: p.Name, Symlinks: tree.Symlinks()})
	}

	if err := s.scheduler.Schedule(ctx, sc); err != nil {
		s.logger.Error("scheduling failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return apperr.New(apperr.ErrScheduling, "%v", err)
	}
	if err := Commit(ctx, s.runs, run, types.RunStateQueuing); err != nil {
		if cerr := s.scheduler.Cancel(ctx, run.ID); cerr != nil {
			s.logger.Error("withdraw scheduled run", slog.String("run_id", run.ID), slog.String("error", cerr.Error()))
		}
		return err
	}
	s.logger.Info("run queued", slog.String("run_id", run.ID), slog.Int("linked_parameters", len(sc.Links)))
	return nil
}

func (s *Service) finish(ctx context.Context, run *types.Run, task *types.Task) error {
	if !run.State.SchedulerManaged() {
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, outputs are not expected", run.State)
	}
	if s.finisher == nil {
		return apperr.New(apperr.ErrInvalidRunState, "output ingestion is not configured")
	}
	return s.finisher.Finish(ctx, run, task)
}

// ObserveState records a scheduler-owned state reported by the execution
// backend. Reports for runs that already left the scheduler are ignored.
func (s *Service) ObserveState(ctx context.Context, runID string, state types.RunState) error {
	if !state.SchedulerManaged() && state != types.RunStateFailed {
		return apperr.New(apperr.ErrUnknownState, "%s is not reported by the scheduler", state)
	}
	return s.locked(ctx, runID, func(run *types.Run, _ *types.Task) error {
		if !run.State.SchedulerManaged() || run.State == state {
			return nil
		}
		if err := Commit(ctx, s.runs, run, state); err != nil {
			return err
		}
		s.logger.Info("run state observed", slog.String("run_id", runID), slog.String("state", string(state)))
		return nil
	})
}

// allProvisioned reports whether every input has a provisioned root.
func (s *Service) allProvisioned(ctx context.Context, run *types.Run, task *types.Task) (bool, error) {
	nodes, err := s.runs.ListNodes(ctx, run.ID, types.DirectionInput)
	if err != nil {
		return false, fmt.Errorf("list inputs: %w", err)
	}
	roots := make(map[string]bool)
	for _, n := range nodes {
		if n.Index == "" && n.Provisioned {
			roots[n.Parameter] = true
		}
	}
	for _, p := range task.Inputs() {
		if !roots[p.Name] {
			return false, nil
		}
	}
	return true, nil
}

func resource(run *types.Run, task *types.Task) *types.Resource {
	r := &types.Resource{
		ID:        run.ID,
		Task:      task.Info(),
		State:     run.State,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.LastStateTransitionAt != nil {
		t := *run.LastStateTransitionAt
		r.LastStateTransitionAt = &t
	}
	return r
}

func taskError(err error, ref string) error {
	if errors.Is(err, registry.ErrTaskNotFound) {
		return apperr.New(apperr.ErrTaskNotFound, "task %s", ref)
	}
	return fmt.Errorf("get task %s: %w", ref, err)
}

// newSecret returns the token the scheduler presents when submitting outputs.
func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate run secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var _ scheduler.StateReporter = (*Service)(nil)
