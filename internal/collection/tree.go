package collection

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// Resolver loads the content of a file or image passed by reference so it can
// be validated without copying it.
type Resolver interface {
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, reference string) ([]byte, error)

func (f ResolverFunc) Resolve(ctx context.Context, reference string) ([]byte, error) {
	return f(ctx, reference)
}

// Tree holds the persistence nodes of one parameter of one run, keyed by
// index path. The root has the empty index. Collection nodes list their items
// by index instead of owning them.
type Tree struct {
	RunID     string
	Direction types.Direction
	Parameter string
	Type      types.Type

	nodes map[string]*types.Persistence
	// blobs holds binary leaf content supplied since the tree was loaded.
	blobs map[string][]byte
	now   func() time.Time
}

// NewTree wraps the stored nodes of a parameter. Nodes are cloned.
func NewTree(runID string, dir types.Direction, param *types.Parameter, nodes []*types.Persistence) *Tree {
	t := &Tree{
		RunID:     runID,
		Direction: dir,
		Parameter: param.Name,
		Type:      param.Type,
		nodes:     make(map[string]*types.Persistence, len(nodes)),
		blobs:     make(map[string][]byte),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, n := range nodes {
		t.nodes[n.Index] = n.Clone()
	}
	return t
}

// Empty reports whether nothing has been provisioned.
func (t *Tree) Empty() bool { return len(t.nodes) == 0 }

// Root returns the root node, if any.
func (t *Tree) Root() *types.Persistence { return t.nodes[""] }

// Node returns the node at index.
func (t *Tree) Node(index string) (*types.Persistence, bool) {
	n, ok := t.nodes[index]
	return n, ok
}

// Provisioned reports whether the root exists and is complete.
func (t *Tree) Provisioned() bool {
	root := t.Root()
	return root != nil && root.Provisioned
}

// Nodes returns every node, shallowest first, siblings in index order.
func (t *Tree) Nodes() []*types.Persistence {
	out := make([]*types.Persistence, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := depthOf(out[i].Index), depthOf(out[j].Index)
		if di != dj {
			return di < dj
		}
		return lessIndex(out[i].Index, out[j].Index)
	})
	return out
}

// Symlink maps a path in the run's storage to referenced content.
type Symlink struct {
	Path      string `json:"path"`
	Reference string `json:"reference"`
}

// Symlinks lists the referenced leaves, which are not copied into storage.
func (t *Tree) Symlinks() []Symlink {
	var out []Symlink
	for _, n := range t.Nodes() {
		if n.Reference != "" {
			out = append(out, Symlink{Path: StoragePath(t.Parameter, n.Index), Reference: n.Reference})
		}
	}
	return out
}

// typeAt returns the type of the value at the given nesting depth.
func (t *Tree) typeAt(depth int) (types.Type, bool) {
	cur := t.Type
	for i := 0; i < depth; i++ {
		c, ok := cur.(*types.CollectionType)
		if !ok {
			return nil, false
		}
		cur = c.SubType
	}
	return cur, true
}

func (t *Tree) newNode(index string, kind types.Kind) *types.Persistence {
	n := &types.Persistence{
		RunID:     t.RunID,
		Direction: t.Direction,
		Parameter: t.Parameter,
		Index:     index,
		Kind:      kind,
		UpdatedAt: t.now(),
	}
	t.nodes[index] = n
	return n
}

// removeSubtree drops the node at index and every descendant.
func (t *Tree) removeSubtree(index string) {
	for k := range t.nodes {
		if k == index || index == "" || strings.HasPrefix(k, index+"/") {
			delete(t.nodes, k)
		}
	}
	for k := range t.blobs {
		if k == index || index == "" || strings.HasPrefix(k, index+"/") {
			delete(t.blobs, k)
		}
	}
}

// recompute refreshes size and provisioned state of the collection node at
// index from its items. A level is complete only when its items occupy
// positions 0..size-1, since the stored layout names leaves by position.
func (t *Tree) recompute(index string) {
	n, ok := t.nodes[index]
	if !ok || !n.IsCollection() || n.Compact {
		return
	}
	typ, _ := t.typeAt(depthOf(index))
	c, ok := typ.(*types.CollectionType)
	if !ok {
		return
	}
	n.Size = len(n.Items)
	complete := n.Size >= c.MinSize && n.Size <= c.MaxSize
	referenced := false
	for i, item := range n.Items {
		if LastSegment(item) != strconv.Itoa(i) {
			complete = false
		}
		child, ok := t.nodes[item]
		if !ok {
			complete = false
			continue
		}
		if !child.Provisioned {
			complete = false
		}
		if child.Referenced {
			referenced = true
		}
	}
	n.Provisioned = complete
	n.Referenced = referenced
	n.UpdatedAt = t.now()
}

// addItem inserts child into the item list of the collection at index,
// keeping the list ordered.
func (t *Tree) addItem(index, child string) {
	n := t.nodes[index]
	for _, it := range n.Items {
		if it == child {
			return
		}
	}
	n.Items = append(n.Items, child)
	sort.Slice(n.Items, func(i, j int) bool { return lessIndex(n.Items[i], n.Items[j]) })
}

// StoragePath returns the path of a node relative to its run namespace.
func StoragePath(parameter, index string) string {
	if index == "" {
		return parameter
	}
	return parameter + "/" + index
}
