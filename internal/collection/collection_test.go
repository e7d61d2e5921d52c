package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

func intList(minSize, maxSize int) *types.CollectionType {
	return &types.CollectionType{MinSize: minSize, MaxSize: maxSize, SubType: &types.IntegerType{}}
}

func newTree(name string, typ types.Type) *Tree {
	return NewTree("run-1", types.DirectionInput, &types.Parameter{Name: name, Direction: types.DirectionInput, Type: typ}, nil)
}

func entryMap(t *testing.T, tree *Tree) map[string]*storage.Entry {
	t.Helper()
	entries, err := tree.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	out := make(map[string]*storage.Entry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{"0", Path{0}, false},
		{"0/4", Path{0, 4}, false},
		{"/2/10/", Path{2, 10}, false},
		{"", nil, true},
		{"a/1", nil, true},
		{"-1", nil, true},
		{"+1", nil, true},
		{"1//2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrInvalidIndexPath) {
					t.Fatalf("expected ErrInvalidIndexPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseWire(t *testing.T) {
	p, err := ParseWire("xs", "xs/0/4")
	if err != nil {
		t.Fatalf("ParseWire failed: %v", err)
	}
	if p.String() != "0/4" || p.Wire("xs") != "xs/0/4" {
		t.Errorf("unexpected path %v", p)
	}
	if _, err := ParseWire("xs", "0/4"); err != nil {
		t.Errorf("bare positions should parse: %v", err)
	}
	if _, err := ParseWire("xs", "ys/0"); !errors.Is(err, apperr.ErrInvalidIndexPath) {
		t.Errorf("expected ErrInvalidIndexPath for another parameter, got %v", err)
	}
	if _, err := ParseWire("xs", "xs"); !errors.Is(err, apperr.ErrInvalidIndexPath) {
		t.Errorf("expected ErrInvalidIndexPath without positions, got %v", err)
	}
}

func TestSetValue_Nested(t *testing.T) {
	ctx := context.Background()
	typ := &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: intList(2, 4)}
	tree := newTree("xs", typ)

	value := []any{
		[]any{json.Number("1"), json.Number("2")},
		[]any{json.Number("3"), json.Number("4"), json.Number("5")},
	}
	if err := tree.SetValue(ctx, value, nil); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if !tree.Provisioned() {
		t.Fatal("expected tree to be provisioned")
	}

	n, ok := tree.Node("1/2")
	if !ok {
		t.Fatal("node 1/2 missing")
	}
	if n.Name() != "xs[1][2]" || n.Value != "5" {
		t.Errorf("unexpected node %s = %q", n.Name(), n.Value)
	}
	if root := tree.Root(); root.Size != 2 || !reflect.DeepEqual(root.Items, []string{"0", "1"}) {
		t.Errorf("unexpected root %+v", root)
	}
	if got := len(tree.Nodes()); got != 8 {
		t.Errorf("expected 8 nodes, got %d", got)
	}

	entries := entryMap(t, tree)
	if e := entries["xs/array.yml"]; e == nil || string(e.Data) != "size: 2" {
		t.Errorf("unexpected xs/array.yml: %+v", e)
	}
	if e := entries["xs/1/array.yml"]; e == nil || string(e.Data) != "size: 3" {
		t.Errorf("unexpected xs/1/array.yml: %+v", e)
	}
	if e := entries["xs/1/2"]; e == nil || string(e.Data) != "5" {
		t.Errorf("unexpected xs/1/2: %+v", e)
	}
	if e := entries["xs/0"]; e == nil || !e.IsDir() {
		t.Errorf("expected directory xs/0, got %+v", e)
	}
}

func TestSetValue_Sizes(t *testing.T) {
	ctx := context.Background()
	typ := &types.CollectionType{MinSize: 1, MaxSize: 2, SubType: intList(2, 4)}

	tests := []struct {
		name  string
		value any
		want  error
	}{
		{"within bounds", []any{[]any{1, 2}}, nil},
		{"outer too large", []any{[]any{1, 2}, []any{1, 2}, []any{1, 2}}, apperr.ErrCollectionSize},
		{"outer empty", []any{}, apperr.ErrCollectionSize},
		{"inner too small", []any{[]any{1, 2}, []any{1}}, apperr.ErrCollectionSize},
		{"inner too large", []any{[]any{1, 2, 3, 4, 5}}, apperr.ErrCollectionSize},
		{"not a list", json.Number("3"), apperr.ErrParameterTypeMismatch},
		{"bad leaf", []any{[]any{1, "two"}}, apperr.ErrParameterTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTree("xs", typ)
			err := tree.SetValue(ctx, tt.value, nil)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !tree.Empty() {
				t.Error("failed provisioning must leave the tree unchanged")
			}
		})
	}
}

func TestSetValue_Replaces(t *testing.T) {
	ctx := context.Background()
	tree := newTree("xs", intList(0, 5))
	if err := tree.SetValue(ctx, []any{1, 2, 3}, nil); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := tree.SetValue(ctx, []any{9}, nil); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if got := len(tree.Nodes()); got != 2 {
		t.Errorf("expected root plus one item, got %d nodes", got)
	}
	if n, _ := tree.Node("0"); n == nil || n.Value != "9" {
		t.Errorf("expected xs[0] = 9, got %+v", n)
	}
}

func TestSetItem(t *testing.T) {
	ctx := context.Background()

	t.Run("flat collection", func(t *testing.T) {
		tree := newTree("xs", intList(2, 4))
		if err := tree.SetItem(ctx, Path{0}, 1, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if tree.Provisioned() {
			t.Fatal("one item is below the minimum size")
		}
		if err := tree.SetItem(ctx, Path{1}, 2, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if !tree.Provisioned() {
			t.Fatal("two items should provision the collection")
		}

		err := tree.SetItem(ctx, Path{5}, 3, nil)
		if !errors.Is(err, apperr.ErrInvalidIndexPath) {
			t.Fatalf("expected ErrInvalidIndexPath, got %v", err)
		}
		if _, ok := tree.Node("5"); ok {
			t.Error("rejected item must not be stored")
		}
		if err := tree.SetItem(ctx, Path{0, 0}, 3, nil); !errors.Is(err, apperr.ErrInvalidIndexPath) {
			t.Errorf("expected ErrInvalidIndexPath for a path deeper than the type, got %v", err)
		}
	})

	t.Run("nested chain is created", func(t *testing.T) {
		typ := &types.CollectionType{MinSize: 1, MaxSize: 2, SubType: intList(2, 4)}
		tree := newTree("xs", typ)

		if err := tree.SetItem(ctx, Path{0, 0}, 1, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if inner, ok := tree.Node("0"); !ok || inner.Provisioned {
			t.Fatalf("inner level should exist and be incomplete: %+v", inner)
		}
		if tree.Provisioned() {
			t.Fatal("root cannot be provisioned while an item is incomplete")
		}

		if err := tree.SetItem(ctx, Path{0, 1}, 2, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if !tree.Provisioned() {
			t.Fatal("expected root to be provisioned")
		}

		if err := tree.SetItem(ctx, Path{0, 5}, 3, nil); !errors.Is(err, apperr.ErrInvalidIndexPath) {
			t.Fatalf("expected ErrInvalidIndexPath, got %v", err)
		}
		if err := tree.SetItem(ctx, Path{2, 0}, 3, nil); !errors.Is(err, apperr.ErrInvalidIndexPath) {
			t.Fatalf("expected ErrInvalidIndexPath at the outer level, got %v", err)
		}
	})

	t.Run("replaces an existing item", func(t *testing.T) {
		tree := newTree("xs", intList(1, 4))
		for i, v := range []int{1, 2} {
			if err := tree.SetItem(ctx, Path{i}, v, nil); err != nil {
				t.Fatalf("SetItem failed: %v", err)
			}
		}
		if err := tree.SetItem(ctx, Path{0}, 7, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if root := tree.Root(); root.Size != 2 {
			t.Errorf("expected size 2, got %d", root.Size)
		}
		if n, _ := tree.Node("0"); n.Value != "7" {
			t.Errorf("expected 7, got %q", n.Value)
		}
	})

	t.Run("sub collection item", func(t *testing.T) {
		typ := &types.CollectionType{MinSize: 1, MaxSize: 2, SubType: intList(1, 4)}
		tree := newTree("xs", typ)
		if err := tree.SetItem(ctx, Path{1}, []any{4, 5}, nil); err != nil {
			t.Fatalf("SetItem failed: %v", err)
		}
		if n, _ := tree.Node("1/1"); n == nil || n.Value != "5" {
			t.Errorf("expected xs[1][1] = 5, got %+v", n)
		}
		if !tree.Provisioned() {
			t.Error("expected root to be provisioned")
		}
	})

	t.Run("items arrive out of order", func(t *testing.T) {
		tree := newTree("xs", intList(0, 20))
		for _, i := range []int{10, 2, 0} {
			if err := tree.SetItem(ctx, Path{i}, i, nil); err != nil {
				t.Fatalf("SetItem failed: %v", err)
			}
		}
		if got := tree.Root().Items; !reflect.DeepEqual(got, []string{"0", "2", "10"}) {
			t.Errorf("items not ordered numerically: %v", got)
		}
	})

	t.Run("gaps keep the level incomplete", func(t *testing.T) {
		tree := newTree("xs", intList(2, 4))
		for _, i := range []int{0, 3} {
			if err := tree.SetItem(ctx, Path{i}, 7, nil); err != nil {
				t.Fatalf("SetItem failed: %v", err)
			}
		}
		if tree.Provisioned() {
			t.Fatal("positions 0 and 3 leave a gap and must not provision the collection")
		}

		for _, i := range []int{1, 2} {
			if err := tree.SetItem(ctx, Path{i}, 7, nil); err != nil {
				t.Fatalf("SetItem failed: %v", err)
			}
		}
		if !tree.Provisioned() {
			t.Fatal("positions 0..3 should provision the collection")
		}

		entries, err := tree.Entries()
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		param := &types.Parameter{Name: "xs", Direction: types.DirectionInput, Type: intList(2, 4)}
		if _, err := FromStorage("run-1", types.DirectionInput, param, storage.NewData(entries...)); err != nil {
			t.Errorf("stored layout does not load back: %v", err)
		}
	})

	t.Run("scalar parameter", func(t *testing.T) {
		tree := newTree("a", &types.IntegerType{})
		if err := tree.SetItem(ctx, Path{0}, 1, nil); !errors.Is(err, apperr.ErrParameterTypeMismatch) {
			t.Errorf("expected ErrParameterTypeMismatch, got %v", err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	typ := &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: &types.CollectionType{
		MinSize: 0, MaxSize: 3, SubType: &types.NumberType{NaNAllowed: true},
	}}
	src := newTree("xs", typ)
	if err := src.SetValue(ctx, []any{[]any{1.5, "nan"}, []any{}, []any{json.Number("-2")}}, nil); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := src.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	for name, in := range map[string]any{"typed": v, "json": decoded} {
		t.Run(name, func(t *testing.T) {
			dst := newTree("xs", typ)
			if err := dst.SetValue(ctx, in, nil); err != nil {
				t.Fatalf("SetValue of read value failed: %v", err)
			}
			if len(dst.Nodes()) != len(src.Nodes()) {
				t.Fatalf("expected %d nodes, got %d", len(src.Nodes()), len(dst.Nodes()))
			}
			for _, n := range src.Nodes() {
				m, ok := dst.Node(n.Index)
				if !ok {
					t.Fatalf("node %s missing", n.Name())
				}
				if m.Value != n.Value || m.Size != n.Size || !reflect.DeepEqual(m.Items, n.Items) {
					t.Errorf("node %s differs: %+v vs %+v", n.Name(), m, n)
				}
			}
		})
	}
}

func TestItemValue(t *testing.T) {
	ctx := context.Background()
	tree := newTree("xs", &types.CollectionType{MinSize: 1, MaxSize: 2, SubType: intList(1, 3)})
	if err := tree.SetValue(ctx, []any{[]any{1}, []any{2, 3}}, nil); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := tree.ItemValue(Path{1, 1})
	if err != nil {
		t.Fatalf("ItemValue failed: %v", err)
	}
	if v != int64(3) {
		t.Errorf("expected 3, got %v (%T)", v, v)
	}

	sub, err := tree.ItemValue(Path{1})
	if err != nil {
		t.Fatalf("ItemValue failed: %v", err)
	}
	items, ok := sub.([]types.ItemValue)
	if !ok || len(items) != 2 || items[1].Index != 1 || items[1].Type != types.KindInteger {
		t.Errorf("unexpected sub collection %#v", sub)
	}

	if _, err := tree.ItemValue(Path{0, 2}); !errors.Is(err, apperr.ErrInvalidIndexPath) {
		t.Errorf("expected ErrInvalidIndexPath, got %v", err)
	}
}

const featureCollection = `{"type":"FeatureCollection","features":[
	{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[1,2]}},
	{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[3,4]}}]}`

func TestGeometryCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("stored compact", func(t *testing.T) {
		tree := newTree("shapes", &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: &types.GeometryType{}})
		if err := tree.SetValue(ctx, json.RawMessage(featureCollection), nil); err != nil {
			t.Fatalf("SetValue failed: %v", err)
		}
		root := tree.Root()
		if !root.Compact || root.Size != 2 || !root.Provisioned {
			t.Fatalf("unexpected root %+v", root)
		}
		entries := entryMap(t, tree)
		if len(entries) != 1 || entries["shapes.geojson"] == nil {
			t.Errorf("expected a single shapes.geojson entry, got %v", entries)
		}
		v, err := tree.Value()
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if _, ok := v.(json.RawMessage); !ok {
			t.Errorf("expected raw GeoJSON, got %T", v)
		}
		if err := tree.SetItem(ctx, Path{0}, json.RawMessage(`{"type":"Point","coordinates":[0,0]}`), nil); !errors.Is(err, apperr.ErrInvalidIndexPath) {
			t.Errorf("expected ErrInvalidIndexPath when indexing a compact collection, got %v", err)
		}
	})

	t.Run("size bounds apply to members", func(t *testing.T) {
		tree := newTree("shapes", &types.CollectionType{MinSize: 3, MaxSize: 5, SubType: &types.GeometryType{}})
		if err := tree.SetValue(ctx, json.RawMessage(featureCollection), nil); !errors.Is(err, apperr.ErrCollectionSize) {
			t.Errorf("expected ErrCollectionSize, got %v", err)
		}
	})

	t.Run("invalid member", func(t *testing.T) {
		doc := `{"type":"GeometryCollection","geometries":[{"type":"Point","coordinates":[1]}]}`
		tree := newTree("shapes", &types.CollectionType{MinSize: 0, MaxSize: 5, SubType: &types.GeometryType{}})
		if err := tree.SetValue(ctx, json.RawMessage(doc), nil); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Errorf("expected ErrInvalidFormat, got %v", err)
		}
	})

	t.Run("plain list is exploded", func(t *testing.T) {
		tree := newTree("shapes", &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: &types.GeometryType{}})
		value := []any{json.RawMessage(`{"type":"Point","coordinates":[1,2]}`)}
		if err := tree.SetValue(ctx, value, nil); err != nil {
			t.Fatalf("SetValue failed: %v", err)
		}
		entries := entryMap(t, tree)
		if entries["shapes/0"] == nil || entries["shapes/array.yml"] == nil {
			t.Errorf("expected exploded layout, got %v", entries)
		}
	})
}

func TestReferencedFiles(t *testing.T) {
	ctx := context.Background()
	store := map[string][]byte{"shared/a.bin": []byte("alpha"), "shared/b.bin": []byte("beta")}
	resolver := ResolverFunc(func(_ context.Context, ref string) ([]byte, error) {
		data, ok := store[ref]
		if !ok {
			return nil, fmt.Errorf("no such object %s", ref)
		}
		return data, nil
	})

	typ := &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: &types.FileType{}}
	tree := newTree("files", typ)
	if err := tree.SetValue(ctx, []any{"shared/a.bin", []byte("inline")}, resolver); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if !tree.Root().Referenced {
		t.Error("collection holding a reference must be marked referenced")
	}

	links := tree.Symlinks()
	if len(links) != 1 || links[0].Path != "files/0" || links[0].Reference != "shared/a.bin" {
		t.Errorf("unexpected symlinks %+v", links)
	}

	entries := entryMap(t, tree)
	if _, ok := entries["files/0"]; ok {
		t.Error("referenced content must not be copied")
	}
	if e := entries["files/1"]; e == nil || string(e.Data) != "inline" {
		t.Errorf("expected inline content for files/1, got %+v", e)
	}

	if err := newTree("files", typ).SetValue(ctx, []any{"shared/missing"}, resolver); !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for an unresolvable reference, got %v", err)
	}
	if err := newTree("files", typ).SetValue(ctx, []any{"shared/a.bin"}, nil); !errors.Is(err, apperr.ErrParameterTypeMismatch) {
		t.Errorf("expected ErrParameterTypeMismatch without a resolver, got %v", err)
	}
}

func TestSetEmpty(t *testing.T) {
	tree := newTree("xs", intList(0, 3))
	if err := tree.SetEmpty(); err != nil {
		t.Fatalf("SetEmpty failed: %v", err)
	}
	if !tree.Provisioned() || tree.Root().Size != 0 {
		t.Errorf("expected an empty provisioned collection, got %+v", tree.Root())
	}
	if err := newTree("xs", intList(1, 3)).SetEmpty(); !errors.Is(err, apperr.ErrCollectionSize) {
		t.Errorf("expected ErrCollectionSize, got %v", err)
	}
}

func TestFromStorage(t *testing.T) {
	ctx := context.Background()
	typ := &types.CollectionType{MinSize: 1, MaxSize: 3, SubType: intList(1, 3)}
	param := &types.Parameter{Name: "ys", Direction: types.DirectionOutput, Type: typ}

	stored := func(t *testing.T) *storage.Data {
		t.Helper()
		src := newTree("ys", typ)
		if err := src.SetValue(ctx, []any{[]any{1, 2}, []any{3}}, nil); err != nil {
			t.Fatalf("SetValue failed: %v", err)
		}
		entries, err := src.Entries()
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		return storage.NewData(entries...)
	}

	t.Run("round trip", func(t *testing.T) {
		tree, err := FromStorage("run-1", types.DirectionOutput, param, stored(t))
		if err != nil {
			t.Fatalf("FromStorage failed: %v", err)
		}
		if !tree.Provisioned() {
			t.Error("expected provisioned tree")
		}
		if n, _ := tree.Node("0/1"); n == nil || n.Value != "2" {
			t.Errorf("expected ys[0][1] = 2, got %+v", n)
		}
	})

	t.Run("implicit directories", func(t *testing.T) {
		data := storage.NewData(
			storage.File("ys/array.yml", []byte("size: 1\n")),
			storage.File("ys/0/array.yml", []byte("size: 1")),
			storage.File("ys/0/0", []byte("42\n")),
		)
		data.Complete()
		tree, err := FromStorage("run-1", types.DirectionOutput, param, data)
		if err != nil {
			t.Fatalf("FromStorage failed: %v", err)
		}
		if n, _ := tree.Node("0/0"); n == nil || n.Value != "42" {
			t.Errorf("expected ys[0][0] = 42, got %+v", n)
		}
	})

	tests := []struct {
		name   string
		mutate func(d *storage.Data) *storage.Data
		want   error
	}{
		{"missing metadata", func(d *storage.Data) *storage.Data {
			return without(d, "ys/1/array.yml")
		}, apperr.ErrMissingMetadata},
		{"size larger than items", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/array.yml", []byte("size: 3\n"))))
			return d
		}, apperr.ErrCollectionSize},
		{"size outside bounds", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/0/array.yml", []byte("size: 0\n"))))
			return d
		}, apperr.ErrCollectionSize},
		{"extra file", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/0/notes.txt", []byte("x"))))
			return d
		}, apperr.ErrInvalidStructure},
		{"item beyond size", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/1/5", []byte("1"))))
			return d
		}, apperr.ErrInvalidStructure},
		{"malformed metadata", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/array.yml", []byte("size: [oops"))))
			return d
		}, apperr.ErrInvalidStructure},
		{"leaf that is not an integer", func(d *storage.Data) *storage.Data {
			d.Merge(storage.NewData(storage.File("ys/1/0", []byte("three"))))
			return d
		}, apperr.ErrInvalidFormat},
		{"leaf stored as directory", func(d *storage.Data) *storage.Data {
			d = without(d, "ys/1/0")
			d.Merge(storage.NewData(storage.Directory("ys/1/0")))
			return d
		}, apperr.ErrInvalidStructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromStorage("run-1", types.DirectionOutput, param, tt.mutate(stored(t)))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("scalar", func(t *testing.T) {
		scalar := &types.Parameter{Name: "n", Direction: types.DirectionOutput, Type: &types.NumberType{InfinityAllowed: true}}
		tree, err := FromStorage("run-1", types.DirectionOutput, scalar, storage.NewData(storage.File("n", []byte("-Inf\n"))))
		if err != nil {
			t.Fatalf("FromStorage failed: %v", err)
		}
		if tree.Root().Value != "-inf" {
			t.Errorf("expected -inf, got %q", tree.Root().Value)
		}
	})

	t.Run("geometry collection document", func(t *testing.T) {
		geo := &types.Parameter{Name: "shapes", Direction: types.DirectionOutput,
			Type: &types.CollectionType{MinSize: 0, MaxSize: 5, SubType: &types.GeometryType{}}}
		data := storage.NewData(storage.File("shapes.geojson", []byte(featureCollection)))
		tree, err := FromStorage("run-1", types.DirectionOutput, geo, data)
		if err != nil {
			t.Fatalf("FromStorage failed: %v", err)
		}
		if !tree.Root().Compact || tree.Root().Size != 2 {
			t.Errorf("unexpected root %+v", tree.Root())
		}
	})
}

func without(d *storage.Data, p string) *storage.Data {
	out := storage.NewData()
	for _, e := range d.Entries {
		if e.Path != p {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

func TestOutputName(t *testing.T) {
	names := []string{"a", "xs", "shapes"}
	tests := map[string]string{
		"a":              "a",
		"xs/array.yml":   "xs",
		"xs/0/1":         "xs",
		"shapes.geojson": "shapes",
		"/xs/":           "xs",
		"ab":             "",
		"b/0":            "",
	}
	for member, want := range tests {
		got, ok := OutputName(member, names)
		if ok != (want != "") || got != want {
			t.Errorf("OutputName(%q) = %q, %v; want %q", member, got, ok, want)
		}
	}
}
