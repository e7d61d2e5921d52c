package collection

import (
	"encoding/json"
	"strconv"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/typesys"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Value returns the response value of the whole parameter: a scalar, a list
// of types.ItemValue for collections, or the GeoJSON document of a geometry
// collection.
func (t *Tree) Value() (any, error) {
	root := t.Root()
	if root == nil {
		return nil, apperr.New(apperr.ErrNotProvisioned, "%s has no value", t.Parameter)
	}
	return t.value(root)
}

// ItemValue returns the response value of the element at path.
func (t *Tree) ItemValue(path Path) (any, error) {
	n, ok := t.nodes[path.String()]
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidIndexPath, "%s has no value", path.Wire(t.Parameter))
	}
	return t.value(n)
}

// ParameterValue returns the response shape of the whole parameter.
func (t *Tree) ParameterValue() (*types.ParameterValue, error) {
	v, err := t.Value()
	if err != nil {
		return nil, err
	}
	return &types.ParameterValue{
		RunID:         t.RunID,
		ParameterName: t.Parameter,
		Type:          t.Type.Kind(),
		Value:         v,
	}, nil
}

func (t *Tree) value(n *types.Persistence) (any, error) {
	if n.Compact {
		return json.RawMessage(n.Value), nil
	}
	typ, ok := t.typeAt(depthOf(n.Index))
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidStructure, "%s is deeper than %s", t.name(n.Index), t.Type)
	}
	if !n.IsCollection() {
		if n.Reference != "" {
			return n.Reference, nil
		}
		return typesys.Response(typ, n.Value)
	}

	sub := typ.(*types.CollectionType).SubType
	items := make([]types.ItemValue, 0, len(n.Items))
	for _, idx := range n.Items {
		child, ok := t.nodes[idx]
		if !ok {
			continue
		}
		pos, err := strconv.Atoi(LastSegment(idx))
		if err != nil {
			return nil, apperr.New(apperr.ErrInvalidIndexPath, "bad index %q", idx)
		}
		v, err := t.value(child)
		if err != nil {
			return nil, err
		}
		items = append(items, types.ItemValue{Index: pos, Type: sub.Kind(), Value: v})
	}
	return items, nil
}
