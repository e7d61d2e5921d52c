package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Request provisions one whole input parameter.
type Request struct {
	ParameterName string `json:"param_name"`
	Value         any    `json:"value"`
}

// ProvisionParameter replaces the value of one input parameter.
func (s *Service) ProvisionParameter(ctx context.Context, runID, name string, value any) (*types.ProvisionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Parameter", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("parameter", name),
	))
	defer span.End()

	var resp *types.ProvisionResponse
	err := s.locked(ctx, runID, func(run *types.Run, task *types.Task) error {
		if err := provisionable(run); err != nil {
			return err
		}
		tree, err := s.build(ctx, run, task, name, value)
		if err != nil {
			return err
		}
		if err := s.persist(ctx, run, tree, name, name+collection.GeoJSONSuffix); err != nil {
			return err
		}
		if resp, err = response(tree, nil); err != nil {
			return err
		}
		return s.refresh(ctx, run, task)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// ProvisionMany provisions several input parameters at once. Every request is
// validated first; when any fails nothing is stored and the failures are
// returned together.
func (s *Service) ProvisionMany(ctx context.Context, runID string, reqs []Request) ([]*types.ProvisionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Many", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("parameters", len(reqs)),
	))
	defer span.End()

	var out []*types.ProvisionResponse
	err := s.locked(ctx, runID, func(run *types.Run, task *types.Task) error {
		if err := provisionable(run); err != nil {
			return err
		}

		batch := &apperr.BatchError{}
		seen := make(map[string]bool, len(reqs))
		trees := make([]*collection.Tree, 0, len(reqs))
		for _, req := range reqs {
			if seen[req.ParameterName] {
				batch.Add(apperr.New(apperr.ErrInvalidRequest, "provisioned more than once"), req.ParameterName, apperr.ErrInvalidRequest)
				continue
			}
			seen[req.ParameterName] = true
			tree, err := s.build(ctx, run, task, req.ParameterName, req.Value)
			if err != nil {
				batch.Add(err, req.ParameterName, apperr.ErrInvalidRequest)
				continue
			}
			trees = append(trees, tree)
		}
		if err := batch.OrNil(); err != nil {
			return err
		}

		for _, tree := range trees {
			if err := s.persist(ctx, run, tree, tree.Parameter, tree.Parameter+collection.GeoJSONSuffix); err != nil {
				return err
			}
			resp, err := response(tree, nil)
			if err != nil {
				return err
			}
			out = append(out, resp)
		}
		return s.refresh(ctx, run, task)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// ProvisionItem inserts or replaces one element of a collection input. index
// is the wire form "name/i0/i1/..." or the bare path "i0/i1/...".
func (s *Service) ProvisionItem(ctx context.Context, runID, name, index string, value any) (*types.ProvisionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "provision.Item", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("parameter", name),
		attribute.String("index", index),
	))
	defer span.End()

	path, err := collection.ParseWire(name, index)
	if err != nil {
		return nil, apperr.Attribute(err, name, apperr.ErrInvalidIndexPath)
	}

	var resp *types.ProvisionResponse
	err = s.locked(ctx, runID, func(run *types.Run, task *types.Task) error {
		if err := provisionable(run); err != nil {
			return err
		}
		param, ok := task.Parameter(name, types.DirectionInput)
		if !ok {
			return apperr.New(apperr.ErrParameterNotFound, "input %s", name).WithParameter(name)
		}
		nodes, err := s.runs.ParameterNodes(ctx, run.ID, types.DirectionInput, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		tree := collection.NewTree(run.ID, types.DirectionInput, param, nodes)
		if err := tree.SetItem(ctx, path, value, s.resolver); err != nil {
			metrics.ProvisionsTotal.WithLabelValues(string(param.Type.Kind()), "rejected").Inc()
			return apperr.Attribute(err, name, apperr.ErrInvalidRequest)
		}
		metrics.ProvisionsTotal.WithLabelValues(string(param.Type.Kind()), "accepted").Inc()

		item := collection.StoragePath(name, path.String())
		if err := s.persist(ctx, run, tree, item, item+collection.GeoJSONSuffix); err != nil {
			return err
		}
		if resp, err = response(tree, path); err != nil {
			return err
		}
		return s.refresh(ctx, run, task)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// provisionable rejects provisions once the run has been handed over.
func provisionable(run *types.Run) error {
	if run.State != types.RunStateCreated && run.State != types.RunStateProvisioned {
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, inputs can no longer change", run.State)
	}
	return nil
}

// build validates a whole-parameter value into a fresh tree.
func (s *Service) build(ctx context.Context, run *types.Run, task *types.Task, name string, value any) (*collection.Tree, error) {
	param, ok := task.Parameter(name, types.DirectionInput)
	if !ok {
		return nil, apperr.New(apperr.ErrParameterNotFound, "input %s", name).WithParameter(name)
	}
	tree := collection.NewTree(run.ID, types.DirectionInput, param, nil)
	if err := tree.SetValue(ctx, value, s.resolver); err != nil {
		metrics.ProvisionsTotal.WithLabelValues(string(param.Type.Kind()), "rejected").Inc()
		return nil, apperr.Attribute(err, name, apperr.ErrInvalidRequest)
	}
	metrics.ProvisionsTotal.WithLabelValues(string(param.Type.Kind()), "accepted").Inc()
	return tree, nil
}

// persist clears the given storage paths, writes the tree's entries with
// their checksums and stores its nodes.
func (s *Service) persist(ctx context.Context, run *types.Run, tree *collection.Tree, clear ...string) error {
	ns := types.InputsNamespace(run.ID)
	for _, p := range clear {
		if err := s.storage.Remove(ctx, ns, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.ErrStorage, "remove %s: %v", p, err)
		}
	}

	entries, err := tree.Entries()
	if err != nil {
		return err
	}
	if err := storage.WriteAll(ctx, s.storage, ns, storage.NewData(entries...)); err != nil {
		return apperr.New(apperr.ErrStorage, "%v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := s.checksums.Record(ctx, ns, e.Path, e.Data); err != nil {
			return err
		}
	}

	if err := s.runs.ReplaceNodes(ctx, run.ID, types.DirectionInput, tree.Parameter, tree.Nodes()); err != nil {
		return fmt.Errorf("store %s: %w", tree.Parameter, err)
	}
	s.logger.Debug("input provisioned",
		slog.String("run_id", run.ID),
		slog.String("parameter", tree.Parameter),
		slog.Int("files", len(entries)),
		slog.Bool("provisioned", tree.Provisioned()),
	)
	return nil
}

// refresh commits PROVISIONED once every input is provisioned. The caller
// holds the run lock, so concurrent provisions cannot both miss or both
// apply the transition.
func (s *Service) refresh(ctx context.Context, run *types.Run, task *types.Task) error {
	if run.State != types.RunStateCreated {
		return nil
	}
	done, err := s.allProvisioned(ctx, run, task)
	if err != nil || !done {
		return err
	}
	if err := Commit(ctx, s.runs, run, types.RunStateProvisioned); err != nil {
		return err
	}
	s.logger.Info("run provisioned", slog.String("run_id", run.ID))
	return nil
}

func response(tree *collection.Tree, path collection.Path) (*types.ProvisionResponse, error) {
	resp := &types.ProvisionResponse{ParameterName: tree.Parameter, RunID: tree.RunID}
	var err error
	if path == nil {
		resp.Value, err = tree.Value()
	} else {
		resp.Index = path.Wire(tree.Parameter)
		resp.Value, err = tree.ItemValue(path)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
