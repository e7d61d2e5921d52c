package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/typesys"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// SetValue replaces the whole parameter with value. Collections are walked
// depth first; one node is created per nesting level and per leaf. On error
// the tree is left unchanged.
func (t *Tree) SetValue(ctx context.Context, value any, r Resolver) error {
	scratch := t.scratch()
	if err := scratch.build(ctx, "", t.Type, value, r); err != nil {
		return err
	}
	t.nodes, t.blobs = scratch.nodes, scratch.blobs
	return nil
}

// SetItem inserts or replaces the element addressed by path, creating the
// collection chain above it as needed, and refreshes every ancestor. On error
// the tree is left unchanged.
func (t *Tree) SetItem(ctx context.Context, path Path, value any, r Resolver) error {
	if !types.IsCollection(t.Type) {
		return apperr.New(apperr.ErrParameterTypeMismatch, "%s is a %s, not a collection", t.Parameter, t.Type.Kind())
	}
	if len(path) == 0 {
		return apperr.New(apperr.ErrInvalidIndexPath, "empty index path")
	}
	if len(path) > types.Depth(t.Type) {
		return apperr.New(apperr.ErrInvalidIndexPath, "%s is deeper than %s", path.Wire(t.Parameter), t.Type)
	}

	cur := t.Type
	for level, pos := range path {
		c := cur.(*types.CollectionType)
		if pos >= c.MaxSize {
			return apperr.New(apperr.ErrInvalidIndexPath,
				"%s: position %d at level %d exceeds max size %d", path.Wire(t.Parameter), pos, level, c.MaxSize)
		}
		if n, ok := t.nodes[path.Prefix(level)]; ok && n.Compact {
			return apperr.New(apperr.ErrInvalidIndexPath,
				"%s: geometry collections cannot be provisioned by index", path.Wire(t.Parameter))
		}
		cur = c.SubType
	}

	target := path.String()
	scratch := t.scratch()
	if err := scratch.build(ctx, target, cur, value, r); err != nil {
		return err
	}

	for level := range path {
		if _, ok := t.nodes[path.Prefix(level)]; !ok {
			t.newNode(path.Prefix(level), types.KindCollection)
		}
	}
	t.removeSubtree(target)
	for k, n := range scratch.nodes {
		t.nodes[k] = n
	}
	for k, b := range scratch.blobs {
		t.blobs[k] = b
	}
	for level := len(path) - 1; level >= 0; level-- {
		parent := path.Prefix(level)
		t.addItem(parent, path.Prefix(level+1))
		t.recompute(parent)
	}
	return nil
}

// SetEmpty records an absent collection as one with no items.
func (t *Tree) SetEmpty() error {
	c, ok := t.Type.(*types.CollectionType)
	if !ok {
		return apperr.New(apperr.ErrParameterTypeMismatch, "%s is a %s, not a collection", t.Parameter, t.Type.Kind())
	}
	if c.MinSize > 0 {
		return apperr.New(apperr.ErrCollectionSize, "%s: 0 items, expected at least %d", t.Parameter, c.MinSize)
	}
	t.nodes = make(map[string]*types.Persistence)
	t.blobs = make(map[string][]byte)
	t.newNode("", types.KindCollection)
	t.recompute("")
	return nil
}

func (t *Tree) scratch() *Tree {
	return &Tree{
		RunID:     t.RunID,
		Direction: t.Direction,
		Parameter: t.Parameter,
		Type:      t.Type,
		nodes:     make(map[string]*types.Persistence),
		blobs:     make(map[string][]byte),
		now:       t.now,
	}
}

// build materializes value at index. typ is the type at that depth.
func (t *Tree) build(ctx context.Context, index string, typ types.Type, value any, r Resolver) error {
	c, ok := typ.(*types.CollectionType)
	if !ok {
		return t.buildLeaf(ctx, index, typ, value, r)
	}
	if _, geo := c.SubType.(*types.GeometryType); geo && typesys.IsGeometryCollection(value) {
		return t.buildGeometryCollection(index, c, value)
	}

	items, err := asItems(value)
	if err != nil {
		return t.at(index, err)
	}
	if len(items) < c.MinSize || len(items) > c.MaxSize {
		return apperr.New(apperr.ErrCollectionSize, "%s: %d items, expected between %d and %d",
			t.name(index), len(items), c.MinSize, c.MaxSize)
	}

	node := t.newNode(index, types.KindCollection)
	seen := make(map[int]bool, len(items))
	for i, it := range items {
		pos := i
		if it.index >= 0 {
			pos = it.index
		}
		if pos >= c.MaxSize {
			return apperr.New(apperr.ErrInvalidIndexPath, "%s: position %d exceeds max size %d", t.name(index), pos, c.MaxSize)
		}
		if seen[pos] {
			return apperr.New(apperr.ErrInvalidIndexPath, "%s: position %d given twice", t.name(index), pos)
		}
		seen[pos] = true

		child := types.ChildIndex(index, strconv.Itoa(pos))
		if err := t.build(ctx, child, c.SubType, it.value, r); err != nil {
			return err
		}
		node.Items = append(node.Items, child)
	}
	sort.Slice(node.Items, func(i, j int) bool { return lessIndex(node.Items[i], node.Items[j]) })
	t.recompute(index)
	return nil
}

func (t *Tree) buildGeometryCollection(index string, c *types.CollectionType, value any) error {
	members, compact, err := typesys.GeometryMembers(value)
	if err != nil {
		return t.at(index, err)
	}
	if len(members) < c.MinSize || len(members) > c.MaxSize {
		return apperr.New(apperr.ErrCollectionSize, "%s: %d geometries, expected between %d and %d",
			t.name(index), len(members), c.MinSize, c.MaxSize)
	}
	n := t.newNode(index, types.KindCollection)
	n.Compact = true
	n.Value = string(compact)
	n.Size = len(members)
	n.Provisioned = true
	return nil
}

func (t *Tree) buildLeaf(ctx context.Context, index string, typ types.Type, value any, r Resolver) error {
	if !types.IsBinary(typ.Kind()) {
		text, err := typesys.Validate(typ, value)
		if err != nil {
			return t.at(index, err)
		}
		n := t.newNode(index, typ.Kind())
		n.Value = text
		n.Provisioned = true
		return nil
	}

	var (
		data      []byte
		reference string
	)
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		if r == nil {
			return apperr.New(apperr.ErrParameterTypeMismatch, "%s: references are not accepted here", t.name(index))
		}
		content, err := r.Resolve(ctx, v)
		if err != nil {
			return apperr.New(apperr.ErrInvalidRequest, "%s: resolve %q: %v", t.name(index), v, err)
		}
		data, reference = content, v
	}
	if _, err := typesys.Validate(typ, data); err != nil {
		if data == nil {
			_, err = typesys.Validate(typ, value)
		}
		return t.at(index, err)
	}

	n := t.newNode(index, typ.Kind())
	n.Size = len(data)
	n.Provisioned = true
	if reference != "" {
		n.Reference = reference
		n.Referenced = true
	} else {
		t.blobs[index] = data
	}
	return nil
}

// name returns the internal address of index, e.g. "xs[0][4]".
func (t *Tree) name(index string) string {
	p := types.Persistence{Parameter: t.Parameter, Index: index}
	return p.Name()
}

// at prefixes a classified error with the address it occurred at.
func (t *Tree) at(index string, err error) error {
	if index == "" {
		return err
	}
	var e *apperr.Error
	if !errors.As(err, &e) {
		return fmt.Errorf("%s: %w", t.name(index), err)
	}
	c := *e
	c.Message = t.name(index) + ": " + c.Message
	return &c
}

type item struct {
	index int // -1 when positional
	value any
}

// asItems lists the elements of a collection value. Elements may be bare
// values or {"index": i, "value": v} objects, the shape returned by reads.
func asItems(value any) ([]item, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return decodeItems(v)
	case []byte:
		return decodeItems(v)
	case []types.ItemValue:
		out := make([]item, len(v))
		for i, iv := range v {
			if iv.Index < 0 {
				return nil, apperr.New(apperr.ErrInvalidIndexPath, "negative position %d", iv.Index)
			}
			out[i] = item{index: iv.Index, value: iv.Value}
		}
		return out, nil
	case []any:
		out := make([]item, len(v))
		for i, e := range v {
			it, err := asItem(e)
			if err != nil {
				return nil, err
			}
			out[i] = it
		}
		return out, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, apperr.New(apperr.ErrParameterTypeMismatch, "expected a list, got %T", value)
	}
	out := make([]item, rv.Len())
	for i := range out {
		out[i] = item{index: -1, value: rv.Index(i).Interface()}
	}
	return out, nil
}

func decodeItems(raw []byte) ([]item, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperr.New(apperr.ErrInvalidFormat, "decode collection: %v", err)
	}
	if _, ok := v.([]any); !ok {
		return nil, apperr.New(apperr.ErrParameterTypeMismatch, "expected a list, got %T", v)
	}
	return asItems(v)
}

func asItem(e any) (item, error) {
	m, ok := e.(map[string]any)
	if !ok {
		return item{index: -1, value: e}, nil
	}
	rawIndex, hasIndex := m["index"]
	value, hasValue := m["value"]
	if !hasIndex || !hasValue {
		return item{index: -1, value: e}, nil
	}
	var pos int64
	switch n := rawIndex.(type) {
	case json.Number:
		v, err := n.Int64()
		if err != nil {
			return item{}, apperr.New(apperr.ErrInvalidIndexPath, "position %q is not an integer", n)
		}
		pos = v
	case float64:
		if n != float64(int64(n)) {
			return item{}, apperr.New(apperr.ErrInvalidIndexPath, "position %v is not an integer", n)
		}
		pos = int64(n)
	case int:
		pos = int64(n)
	default:
		return item{}, apperr.New(apperr.ErrInvalidIndexPath, "position %v is not an integer", rawIndex)
	}
	if pos < 0 {
		return item{}, apperr.New(apperr.ErrInvalidIndexPath, "negative position %d", pos)
	}
	return item{index: int(pos), value: value}, nil
}
