// Package ingest turns the outputs of an executed run into stored, validated
// results and moves the run to FINISHED or FAILED.
package ingest

import (
	"archive/zip"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/match"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/provision"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Config holds ingestion configuration.
type Config struct {
	// MaxArchiveBytes caps the size of a submitted archive.
	MaxArchiveBytes int64

	// MaxExtractedBytes caps the decompressed size of all members of one
	// archive together. Zero means MaxArchiveBytes.
	MaxExtractedBytes int64

	// LockTimeout bounds the wait for a run's lock.
	LockTimeout time.Duration

	// SpoolDir holds submitted archives while they are read. Empty means
	// the system temp directory.
	SpoolDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxArchiveBytes:   1 << 30,
		MaxExtractedBytes: 4 << 30,
		LockTimeout:       30 * time.Second,
	}
}

func (c *Config) extractLimit() int64 {
	if c.MaxExtractedBytes > 0 {
		return c.MaxExtractedBytes
	}
	return c.MaxArchiveBytes
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Tasks     registry.TaskRegistry
	Runs      runstore.RunStore
	Storage   storage.Backend
	Checksums *checksum.Tracker
}

// Pipeline ingests run outputs.
type Pipeline struct {
	tasks     registry.TaskRegistry
	runs      runstore.RunStore
	storage   storage.Backend
	checksums *checksum.Tracker

	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an ingestion pipeline.
func New(deps Deps, cfg *Config, logger *slog.Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		tasks:     deps.Tasks,
		runs:      deps.Runs,
		storage:   deps.Storage,
		checksums: deps.Checksums,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("appengine/ingest"),
	}
}

// Submit ingests an outputs archive posted for a run. The secret must be the
// run's secret and the run must be in a scheduler-managed state.
func (p *Pipeline) Submit(ctx context.Context, runID, secret string, archive io.Reader) (*types.Run, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Submit", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()
	start := time.Now()

	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	defer cancel()
	unlock, err := p.runs.Lock(lockCtx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, apperr.New(apperr.ErrRunNotFound, "run %s", runID)
		}
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}
	defer unlock()

	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, apperr.New(apperr.ErrRunNotFound, "run %s", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(run.Secret)) != 1 {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn("output submission with wrong secret", slog.String("run_id", runID))
		return nil, apperr.New(apperr.ErrUnauthenticatedOutputs, "run %s", runID)
	}
	if !run.State.SchedulerManaged() {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.New(apperr.ErrInvalidRunState, "run is %s, outputs are not expected", run.State)
	}
	task, err := p.tasks.Get(ctx, run.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", run.TaskID, err)
	}

	err = p.submit(ctx, run, task, archive)
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return run, err
	}
	return run, nil
}

func (p *Pipeline) submit(ctx context.Context, run *types.Run, task *types.Task, archive io.Reader) error {
	f, size, err := p.spool(archive)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	zr, err := zip.NewReader(f, size)
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		return apperr.New(apperr.ErrInvalidFormat, "outputs archive: %v", err)
	}

	limit := p.cfg.extractLimit()
	var declared uint64
	for _, zf := range zr.File {
		declared += zf.UncompressedSize64
	}
	if declared > uint64(limit) {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		return apperr.New(apperr.ErrInvalidRequest, "archive expands to %d bytes, limit is %d", declared, limit)
	}

	// Every member is read before anything is stored, so an archive that
	// lies about its sizes is rejected without touching the run.
	names := outputNames(task)
	var entries []*storage.Entry
	remaining := limit
	for _, zf := range zr.File {
		member := storage.Clean(zf.Name)
		if member == "" {
			continue
		}
		if _, ok := collection.OutputName(member, names); !ok {
			return p.fail(ctx, run, task, apperr.New(apperr.ErrUnknownOutput, "archive member %s", member))
		}
		if zf.FileInfo().IsDir() {
			entries = append(entries, storage.Directory(member))
			continue
		}
		data, err := p.readMember(zf, remaining)
		if errors.Is(err, errExtractLimit) {
			metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
			return apperr.New(apperr.ErrInvalidRequest, "archive expands beyond %d bytes", limit)
		}
		if err != nil {
			return p.fail(ctx, run, task, err)
		}
		remaining -= int64(len(data))
		entries = append(entries, storage.File(member, data))
	}

	ns := types.OutputsNamespace(run.ID)
	for _, entry := range entries {
		if err := p.storage.Write(ctx, ns, entry); err != nil {
			return p.fail(ctx, run, task, apperr.New(apperr.ErrStorage, "write %s: %v", entry.Path, err))
		}
		if !entry.IsDir() {
			if _, err := p.checksums.Record(ctx, ns, entry.Path, entry.Data); err != nil {
				return p.fail(ctx, run, task, err)
			}
		}
	}

	p.logger.Info("outputs archive received",
		slog.String("run_id", run.ID),
		slog.Int("entries", len(entries)),
		slog.Int64("bytes", size),
	)
	return p.complete(ctx, run, task, entries)
}

// Finish ingests outputs the scheduler already wrote to the run's outputs
// namespace. The caller holds the run lock.
func (p *Pipeline) Finish(ctx context.Context, run *types.Run, task *types.Task) error {
	ctx, span := p.tracer.Start(ctx, "ingest.Finish", trace.WithAttributes(attribute.String("run_id", run.ID)))
	defer span.End()
	start := time.Now()
	defer func() { metrics.IngestionDuration.Observe(time.Since(start).Seconds()) }()

	ns := types.OutputsNamespace(run.ID)
	data, err := p.storage.Read(ctx, ns, "")
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.ErrStorage, "read %s: %v", ns, err)
		}
		data = storage.NewData()
	}

	names := outputNames(task)
	var entries []*storage.Entry
	for _, e := range data.Entries {
		if e.Path == "" {
			continue
		}
		if _, ok := collection.OutputName(e.Path, names); !ok {
			return p.fail(ctx, run, task, apperr.New(apperr.ErrUnknownOutput, "stored entry %s", e.Path))
		}
		if !e.IsDir() {
			if _, err := p.checksums.Record(ctx, ns, e.Path, e.Data); err != nil {
				return err
			}
		}
		entries = append(entries, e)
	}
	if err := p.complete(ctx, run, task, entries); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// complete rebuilds every output from the received entries, validates it
// against its declared type, runs the after-execution matches and commits
// the terminal state.
func (p *Pipeline) complete(ctx context.Context, run *types.Run, task *types.Task, entries []*storage.Entry) error {
	byOutput := group(entries, outputNames(task))

	var missing []*types.Parameter
	for _, param := range task.Outputs() {
		if _, ok := byOutput[param.Name]; !ok {
			missing = append(missing, param)
		}
	}
	for _, param := range missing {
		if !types.IsCollection(param.Type) {
			names := make([]string, len(missing))
			for i, m := range missing {
				names[i] = m.Name
			}
			return p.fail(ctx, run, task, apperr.New(apperr.ErrMissingOutputs, "%v", names))
		}
	}

	batch := &apperr.BatchError{}
	for _, param := range task.Outputs() {
		var (
			tree *collection.Tree
			err  error
		)
		if data, ok := byOutput[param.Name]; ok {
			tree, err = collection.FromStorage(run.ID, types.DirectionOutput, param, data)
		} else {
			tree, err = p.empty(ctx, run, param)
		}
		if err != nil {
			batch.Add(err, param.Name, apperr.ErrInvalidStructure)
			continue
		}
		if err := p.runs.ReplaceNodes(ctx, run.ID, types.DirectionOutput, param.Name, tree.Nodes()); err != nil {
			return fmt.Errorf("store output %s: %w", param.Name, err)
		}
	}
	if err := batch.OrNil(); err != nil {
		return p.fail(ctx, run, task, err)
	}

	if err := match.CheckAll(ctx, p.runs, run.ID, task, types.CheckAfterExecution); err != nil {
		return p.fail(ctx, run, task, err)
	}

	if err := provision.Commit(ctx, p.runs, run, types.RunStateFinished); err != nil {
		return err
	}
	metrics.IngestionsTotal.WithLabelValues("finished").Inc()
	p.logger.Info("run finished", slog.String("run_id", run.ID), slog.Int("outputs", len(task.Outputs())))
	return nil
}

// empty stores an absent collection output as a collection of size zero.
func (p *Pipeline) empty(ctx context.Context, run *types.Run, param *types.Parameter) (*collection.Tree, error) {
	tree := collection.NewTree(run.ID, types.DirectionOutput, param, nil)
	if err := tree.SetEmpty(); err != nil {
		return nil, err
	}
	entries, err := tree.Entries()
	if err != nil {
		return nil, err
	}
	ns := types.OutputsNamespace(run.ID)
	for _, e := range entries {
		if err := p.storage.Write(ctx, ns, e); err != nil {
			return nil, apperr.New(apperr.ErrStorage, "write %s: %v", e.Path, err)
		}
		if !e.IsDir() {
			if _, err := p.checksums.Record(ctx, ns, e.Path, e.Data); err != nil {
				return nil, err
			}
		}
	}
	return tree, nil
}

// fail commits FAILED, drops partial outputs and returns cause.
func (p *Pipeline) fail(ctx context.Context, run *types.Run, task *types.Task, cause error) error {
	metrics.IngestionsTotal.WithLabelValues("failed").Inc()
	p.logger.Warn("run failed during output ingestion",
		slog.String("run_id", run.ID),
		slog.String("error", cause.Error()),
	)

	ns := types.OutputsNamespace(run.ID)
	for _, name := range outputNames(task) {
		for _, path := range []string{name, name + collection.GeoJSONSuffix} {
			if err := p.storage.Remove(ctx, ns, path); err != nil && !errors.Is(err, storage.ErrNotFound) {
				p.logger.Warn("remove partial output", slog.String("run_id", run.ID), slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		if err := p.runs.ReplaceNodes(ctx, run.ID, types.DirectionOutput, name, nil); err != nil {
			p.logger.Warn("drop output nodes", slog.String("run_id", run.ID), slog.String("parameter", name), slog.String("error", err.Error()))
		}
	}

	if err := provision.Commit(ctx, p.runs, run, types.RunStateFailed); err != nil {
		return fmt.Errorf("%w (and failed to record failure: %v)", cause, err)
	}
	return cause
}

// spool copies the archive to a temporary file so it can be read as a zip.
func (p *Pipeline) spool(archive io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(p.cfg.SpoolDir, "outputs-*.zip")
	if err != nil {
		return nil, 0, fmt.Errorf("spool archive: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(archive, p.cfg.MaxArchiveBytes+1))
	if err == nil && n > p.cfg.MaxArchiveBytes {
		err = apperr.New(apperr.ErrInvalidRequest, "archive exceeds %d bytes", p.cfg.MaxArchiveBytes)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		var e *apperr.Error
		if errors.As(err, &e) {
			return nil, 0, e
		}
		return nil, 0, fmt.Errorf("spool archive: %w", err)
	}
	return f, n, nil
}

var errExtractLimit = errors.New("extraction limit exceeded")

// readMember decompresses one member, reading at most budget bytes.
func (p *Pipeline) readMember(zf *zip.File, budget int64) ([]byte, error) {
	if zf.UncompressedSize64 > uint64(budget) {
		return nil, errExtractLimit
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, apperr.New(apperr.ErrInvalidFormat, "open %s: %v", zf.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, budget+1))
	if errors.Is(err, zip.ErrChecksum) {
		metrics.ChecksumFailures.Inc()
		return nil, apperr.New(apperr.ErrChecksumFailure, "%s does not match its archived crc32", zf.Name)
	}
	if err != nil {
		return nil, apperr.New(apperr.ErrInvalidFormat, "read %s: %v", zf.Name, err)
	}
	if int64(len(data)) > budget {
		return nil, errExtractLimit
	}
	return data, nil
}

func outputNames(task *types.Task) []string {
	outs := task.Outputs()
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.Name
	}
	return names
}

var _ provision.Finisher = (*Pipeline)(nil)
