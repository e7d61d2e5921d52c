package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// JobClient creates and deletes Kubernetes Jobs.
type JobClient interface {
	CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error)
	DeleteJob(ctx context.Context, name string) error
}

// K8sConfig holds configuration for the Kubernetes scheduler.
type K8sConfig struct {
	// BaseURL is the address jobs use to reach this service.
	BaseURL string

	// Job configuration
	JobConfig *k8s.JobConfig
}

// K8sScheduler runs each task run as a Kubernetes Job.
type K8sScheduler struct {
	client  JobClient
	builder *k8s.JobBuilder
	baseURL string
	logger  *slog.Logger
}

// NewK8sScheduler creates a scheduler submitting jobs through client.
func NewK8sScheduler(client JobClient, cfg *K8sConfig, logger *slog.Logger) *K8sScheduler {
	if cfg == nil {
		cfg = &K8sConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &K8sScheduler{
		client:  client,
		builder: k8s.NewJobBuilder(cfg.JobConfig),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

func (s *K8sScheduler) Schedule(ctx context.Context, sc *Schedule) error {
	spec := &k8s.RunSpec{
		RunID:      sc.Run.ID,
		Task:       sc.Task.Namespace,
		Image:      sc.Task.Image,
		InputsURL:  fmt.Sprintf("%s/api/v1/task-runs/%s/inputs.zip", s.baseURL, sc.Run.ID),
		OutputsURL: fmt.Sprintf("%s/api/v1/task-runs/%s/%s/outputs.zip", s.baseURL, sc.Run.ID, sc.Run.Secret),
	}
	for _, pl := range sc.Links {
		for _, l := range pl.Symlinks {
			spec.Links = append(spec.Links, k8s.Link{Path: l.Path, Target: l.Reference})
		}
	}

	job, err := s.builder.BuildJob(spec)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("build job: %w", err)
	}
	created, err := s.client.CreateJob(ctx, job)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("create job: %w", err)
	}
	metrics.K8sJobsTotal.WithLabelValues("created").Inc()

	s.logger.Info("run job created",
		slog.String("run_id", sc.Run.ID),
		slog.String("job", created.Name),
		slog.Int("symlinks", len(spec.Links)),
	)
	return nil
}

// Cancel deletes the job of a run together with its pods.
func (s *K8sScheduler) Cancel(ctx context.Context, runID string) error {
	name := k8s.JobName(runID)
	if err := s.client.DeleteJob(ctx, name); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	metrics.K8sJobsTotal.WithLabelValues("deleted").Inc()
	s.logger.Info("run job deleted", slog.String("run_id", runID), slog.String("job", name))
	return nil
}

// NewJobWatcher returns a watcher reporting the state of every run job to
// reporter.
func NewJobWatcher(client *k8s.Client, reporter StateReporter, logger *slog.Logger) *k8s.JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return k8s.NewJobWatcher(client, func(ctx context.Context, runID string, status *k8s.JobStatus) {
		state, ok := StateForJob(status)
		if !ok {
			return
		}
		metrics.K8sJobsTotal.WithLabelValues(status.Phase).Inc()
		if err := reporter.ObserveState(ctx, runID, state); err != nil {
			logger.Warn("report run state failed",
				slog.String("run_id", runID),
				slog.String("state", string(state)),
				slog.Any("error", err),
			)
		}
	}, logger)
}

// StateForJob maps a job phase to the run state it implies. A succeeded job
// implies nothing: the run finishes when its outputs are ingested.
func StateForJob(status *k8s.JobStatus) (types.RunState, bool) {
	switch status.Phase {
	case "pending":
		return types.RunStatePending, true
	case "running":
		return types.RunStateRunning, true
	case "failed":
		return types.RunStateFailed, true
	}
	return "", false
}

var _ Scheduler = (*K8sScheduler)(nil)
