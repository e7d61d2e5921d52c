package k8s

import (
	"context"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher watches every task run job and reports status changes.
type JobWatcher struct {
	client   *Client
	onStatus func(ctx context.Context, runID string, status *JobStatus)
	backoff  time.Duration
	logger   *slog.Logger
}

// NewJobWatcher creates a watcher. onStatus is called for every observed
// change of a job carrying the run label.
func NewJobWatcher(client *Client, onStatus func(ctx context.Context, runID string, status *JobStatus), logger *slog.Logger) *JobWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobWatcher{
		client:   client,
		onStatus: onStatus,
		backoff:  time.Second,
		logger:   logger,
	}
}

// Run watches until ctx is done, re-establishing the watch when the API
// server closes it.
func (w *JobWatcher) Run(ctx context.Context) error {
	selector := LabelManagedBy + "=" + ManagedBy
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		watcher, err := w.client.WatchJobs(ctx, selector)
		if err != nil {
			w.logger.Warn("watch jobs failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
			continue
		}
		w.consume(ctx, watcher)
		watcher.Stop()
	}
}

func (w *JobWatcher) consume(ctx context.Context, watcher watch.Interface) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			if event.Type != watch.Added && event.Type != watch.Modified {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}
			runID := job.Labels[LabelRunID]
			if runID == "" {
				continue
			}
			w.onStatus(ctx, runID, GetJobStatus(job))
		}
	}
}
