package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Content is one retrieved parameter or element. Exactly one of Value and
// Data is set: Value for inline values, Data for files and zipped
// collections.
type Content struct {
	Value       any
	Data        []byte
	ContentType string
	Filename    string
}

// Values lists the provisioned inputs or produced outputs of a run.
func (s *Service) Values(ctx context.Context, runID string, dir types.Direction) ([]*types.ParameterValue, error) {
	run, task, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := readable(run, dir); err != nil {
		return nil, err
	}

	nodes, err := s.runs.ListNodes(ctx, run.ID, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s nodes: %w", dir, err)
	}
	byParam := make(map[string][]*types.Persistence)
	for _, n := range nodes {
		byParam[n.Parameter] = append(byParam[n.Parameter], n)
	}

	out := make([]*types.ParameterValue, 0, len(byParam))
	for _, p := range paramsOf(task, dir) {
		tree := collection.NewTree(run.ID, dir, p, byParam[p.Name])
		if tree.Root() == nil {
			continue
		}
		pv, err := tree.ParameterValue()
		if err != nil {
			return nil, apperr.Attribute(err, p.Name, apperr.ErrInvalidStructure)
		}
		out = append(out, pv)
	}
	return out, nil
}

// Value returns one parameter, or one element of it when index is set.
// Files come back as their bytes and collections as a zip of their stored
// layout.
func (s *Service) Value(ctx context.Context, runID string, dir types.Direction, name, index string) (*Content, error) {
	run, task, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := readable(run, dir); err != nil {
		return nil, err
	}
	param, ok := task.Parameter(name, dir)
	if !ok {
		return nil, apperr.New(apperr.ErrParameterNotFound, "%s parameter %s", dir, name).WithParameter(name)
	}
	nodes, err := s.runs.ParameterNodes(ctx, run.ID, dir, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	tree := collection.NewTree(run.ID, dir, param, nodes)
	if tree.Root() == nil {
		return nil, apperr.New(apperr.ErrNotProvisioned, "%s has no value", name).WithParameter(name)
	}

	var p collection.Path
	node := tree.Root()
	if index != "" {
		if p, err = collection.ParseWire(name, index); err != nil {
			return nil, apperr.Attribute(err, name, apperr.ErrInvalidIndexPath)
		}
		if node, ok = tree.Node(p.String()); !ok {
			return nil, apperr.New(apperr.ErrInvalidIndexPath, "%s has no value", p.Wire(name)).WithParameter(name)
		}
	}

	ns := namespace(run.ID, dir)
	storagePath := collection.StoragePath(name, node.Index)
	switch {
	case node.Compact || (!node.IsCollection() && !types.IsBinary(node.Kind)):
		return s.inline(tree, p)
	case node.IsCollection():
		data, err := s.storage.Read(ctx, ns, storagePath)
		if err != nil {
			return nil, apperr.New(apperr.ErrStorage, "read %s: %v", storagePath, err)
		}
		var buf bytes.Buffer
		if err := s.writeZip(ctx, ns, data, &buf); err != nil {
			return nil, err
		}
		return &Content{Data: buf.Bytes(), ContentType: "application/zip", Filename: path.Base(storagePath) + ".zip"}, nil
	case node.Reference != "":
		if s.resolver == nil {
			return nil, apperr.New(apperr.ErrInvalidRequest, "%s is stored by reference", storagePath)
		}
		data, err := s.resolver.Resolve(ctx, node.Reference)
		if err != nil {
			return nil, apperr.New(apperr.ErrStorage, "resolve %s: %v", node.Reference, err)
		}
		return &Content{Data: data, ContentType: "application/octet-stream", Filename: path.Base(node.Reference)}, nil
	default:
		data, err := s.storage.Read(ctx, ns, storagePath)
		if err != nil {
			return nil, apperr.New(apperr.ErrStorage, "read %s: %v", storagePath, err)
		}
		e, ok := data.Lookup(storagePath)
		if !ok || e.IsDir() {
			return nil, apperr.New(apperr.ErrInvalidStructure, "%s is not a file", storagePath)
		}
		if _, err := s.checksums.Verify(ctx, ns, e.Path, e.Data); err != nil {
			return nil, err
		}
		return &Content{Data: e.Data, ContentType: "application/octet-stream", Filename: path.Base(storagePath)}, nil
	}
}

func (s *Service) inline(tree *collection.Tree, p collection.Path) (*Content, error) {
	if p == nil {
		pv, err := tree.ParameterValue()
		if err != nil {
			return nil, err
		}
		return &Content{Value: pv}, nil
	}
	v, err := tree.ItemValue(p)
	if err != nil {
		return nil, err
	}
	typ := tree.Type
	for range p {
		typ = typ.(*types.CollectionType).SubType
	}
	pos, _ := strconv.Atoi(collection.LastSegment(p.String()))
	return &Content{Value: &types.ItemValue{Index: pos, Type: typ.Kind(), Value: v}}, nil
}

// Archive writes the stored inputs or outputs of a run as a zip. Every file
// is checked against its recorded checksum before anything is written.
func (s *Service) Archive(ctx context.Context, runID string, dir types.Direction, w io.Writer) error {
	run, _, err := s.load(ctx, runID)
	if err != nil {
		return err
	}
	if err := readable(run, dir); err != nil {
		return err
	}
	ns := namespace(run.ID, dir)
	data, err := s.storage.Read(ctx, ns, "")
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.ErrStorage, "read %s: %v", ns, err)
		}
		data = storage.NewData()
	}
	return s.writeZip(ctx, ns, data, w)
}

// writeZip stores each file uncompressed under its namespace path, with the
// recorded CRC32 in its header.
func (s *Service) writeZip(ctx context.Context, ns string, data *storage.Data, w io.Writer) error {
	entries := make([]*storage.Entry, 0, len(data.Entries))
	for _, e := range data.Entries {
		if e.Path != "" {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	sums := make(map[string]uint32, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sum, err := s.checksums.Verify(ctx, ns, e.Path, e.Data)
		if err != nil {
			return err
		}
		sums[e.Path] = sum
	}

	zw := zip.NewWriter(w)
	for _, e := range entries {
		if e.IsDir() {
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: e.Path + "/", Method: zip.Store}); err != nil {
				return fmt.Errorf("zip %s: %w", e.Path, err)
			}
			continue
		}
		hdr := &zip.FileHeader{
			Name:               e.Path,
			Method:             zip.Store,
			CRC32:              sums[e.Path],
			CompressedSize64:   uint64(len(e.Data)),
			UncompressedSize64: uint64(len(e.Data)),
		}
		hdr.SetMode(0o644)
		fw, err := zw.CreateRaw(hdr)
		if err != nil {
			return fmt.Errorf("zip %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("zip %s: %w", e.Path, err)
		}
	}
	return zw.Close()
}

// readable rejects reads of inputs before provisioning and of outputs before
// the run finished.
func readable(run *types.Run, dir types.Direction) error {
	if dir == types.DirectionOutput && run.State != types.RunStateFinished {
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, outputs are available once %s", run.State, types.RunStateFinished)
	}
	if dir == types.DirectionInput && run.State == types.RunStateCreated {
		return apperr.New(apperr.ErrInvalidRunState, "run is %s, inputs are not provisioned yet", run.State)
	}
	return nil
}

func namespace(runID string, dir types.Direction) string {
	if dir == types.DirectionOutput {
		return types.OutputsNamespace(runID)
	}
	return types.InputsNamespace(runID)
}

func paramsOf(task *types.Task, dir types.Direction) []*types.Parameter {
	if dir == types.DirectionOutput {
		return task.Outputs()
	}
	return task.Inputs()
}
