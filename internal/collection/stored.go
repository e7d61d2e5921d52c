package collection

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/typesys"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// FromStorage rebuilds a parameter's tree from its stored layout and checks
// the layout against the declared type. Every entry of data must belong to
// the parameter.
func FromStorage(runID string, dir types.Direction, param *types.Parameter, data *storage.Data) (*Tree, error) {
	t := NewTree(runID, dir, param, nil)
	l := &loader{tree: t, data: data, used: make(map[string]bool)}
	if err := l.load("", param.Name, param.Type); err != nil {
		return nil, err
	}
	for _, e := range data.Entries {
		if !l.used[e.Path] {
			return nil, apperr.New(apperr.ErrInvalidStructure, "unexpected entry %s", e.Path)
		}
	}
	return t, nil
}

type loader struct {
	tree *Tree
	data *storage.Data
	used map[string]bool
}

func (l *loader) lookup(p string) (*storage.Entry, bool) {
	e, ok := l.data.Lookup(p)
	if ok {
		l.used[e.Path] = true
	}
	return e, ok
}

func (l *loader) exists(p string) bool {
	_, ok := l.data.Lookup(p)
	return ok
}

// load rebuilds the value stored at p, which holds index of the tree.
func (l *loader) load(index, p string, typ types.Type) error {
	c, ok := typ.(*types.CollectionType)
	if !ok {
		return l.loadLeaf(index, p, typ)
	}
	if isGeometryLevel(c) {
		if e, ok := l.lookup(p + GeoJSONSuffix); ok && !e.IsDir() {
			return l.tree.buildGeometryCollection(index, c, json.RawMessage(e.Data))
		}
	}

	e, ok := l.lookup(p)
	if !ok {
		return apperr.New(apperr.ErrInvalidStructure, "%s is missing", p)
	}
	if !e.IsDir() {
		return apperr.New(apperr.ErrInvalidStructure, "%s must be a directory", p)
	}
	metaEntry, ok := l.lookup(p + "/" + MetadataFile)
	if !ok || metaEntry.IsDir() {
		return apperr.New(apperr.ErrMissingMetadata, "%s has no %s", p, MetadataFile)
	}
	meta, err := DecodeMetadata(metaEntry.Data)
	if err != nil {
		return apperr.New(apperr.ErrInvalidStructure, "%s/%s: %v", p, MetadataFile, err)
	}
	if meta.Size < c.MinSize || meta.Size > c.MaxSize {
		return apperr.New(apperr.ErrCollectionSize, "%s: size %d, expected between %d and %d",
			p, meta.Size, c.MinSize, c.MaxSize)
	}

	for _, child := range l.data.Children(p) {
		if !allowedChild(c, child.Name(), meta.Size) {
			return apperr.New(apperr.ErrInvalidStructure, "unexpected entry %s", child.Path)
		}
	}

	node := l.tree.newNode(index, types.KindCollection)
	for i := 0; i < meta.Size; i++ {
		childPath := p + "/" + strconv.Itoa(i)
		present := l.exists(childPath)
		if !present && isGeometrySubCollection(c) {
			present = l.exists(childPath + GeoJSONSuffix)
		}
		if !present {
			return apperr.New(apperr.ErrCollectionSize, "%s: item %d of %d is missing", p, i, meta.Size)
		}
		childIndex := types.ChildIndex(index, strconv.Itoa(i))
		if err := l.load(childIndex, childPath, c.SubType); err != nil {
			return err
		}
		node.Items = append(node.Items, childIndex)
	}
	l.tree.recompute(index)
	return nil
}

func (l *loader) loadLeaf(index, p string, typ types.Type) error {
	e, ok := l.lookup(p)
	if !ok {
		return apperr.New(apperr.ErrInvalidStructure, "%s is missing", p)
	}
	if e.IsDir() {
		img, isImage := typ.(*types.ImageType)
		if !isImage {
			return apperr.New(apperr.ErrInvalidStructure, "%s must be a file", p)
		}
		return l.loadImageDirectory(index, p, img)
	}

	text, err := typesys.Decode(typ, e.Data)
	if err != nil {
		return l.tree.at(index, err)
	}
	n := l.tree.newNode(index, typ.Kind())
	n.Value = text
	n.Provisioned = true
	if types.IsBinary(typ.Kind()) {
		n.Size = len(e.Data)
	}
	return nil
}

// loadImageDirectory accepts a whole-slide image stored as a directory of
// DICOM files.
func (l *loader) loadImageDirectory(index, p string, img *types.ImageType) error {
	members := make(map[string][]byte)
	total := 0
	for _, child := range l.data.Children(p) {
		if child.IsDir() {
			return apperr.New(apperr.ErrInvalidStructure, "unexpected directory %s", child.Path)
		}
		l.used[child.Path] = true
		members[child.Name()] = child.Data
		total += len(child.Data)
	}
	if err := typesys.ValidateImageMembers(img, members); err != nil {
		return l.tree.at(index, err)
	}
	n := l.tree.newNode(index, types.KindImage)
	n.Size = total
	n.Provisioned = true
	return nil
}

// allowedChild reports whether name may appear inside a stored level.
func allowedChild(c *types.CollectionType, name string, size int) bool {
	if name == MetadataFile {
		return true
	}
	if isGeometrySubCollection(c) {
		name = strings.TrimSuffix(name, GeoJSONSuffix)
	}
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || strconv.Itoa(i) != name {
		return false
	}
	return i < size
}

// isGeometryLevel reports whether c holds geometries directly and may be
// stored as one GeoJSON collection document.
func isGeometryLevel(c *types.CollectionType) bool {
	_, ok := c.SubType.(*types.GeometryType)
	return ok
}

// isGeometrySubCollection reports whether the items of c are geometry
// levels.
func isGeometrySubCollection(c *types.CollectionType) bool {
	sub, ok := c.SubType.(*types.CollectionType)
	return ok && isGeometryLevel(sub)
}

// OutputName returns the parameter an archive member belongs to, given the
// declared parameter names. A member belongs to a parameter when it is named
// exactly like it, lies below it, or is its GeoJSON collection document.
func OutputName(member string, names []string) (string, bool) {
	member = storage.Clean(member)
	for _, name := range names {
		if member == name || member == name+GeoJSONSuffix || strings.HasPrefix(member, name+"/") {
			return name, true
		}
	}
	return "", false
}
