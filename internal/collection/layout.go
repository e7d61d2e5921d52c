package collection

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

const (
	// MetadataFile is the sidecar recording a stored collection level's size.
	MetadataFile = "array.yml"
	// GeoJSONSuffix marks a geometry collection stored as one document.
	GeoJSONSuffix = ".geojson"
)

// Metadata is the content of array.yml.
type Metadata struct {
	Size int `yaml:"size"`
}

// EncodeMetadata renders array.yml for a level holding size items, as
// "size: <N>" without a trailing newline.
func EncodeMetadata(size int) ([]byte, error) {
	out, err := yaml.Marshal(Metadata{Size: size})
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(out, "\n"), nil
}

// DecodeMetadata parses array.yml.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Entries returns the storage write set of the tree. Referenced leaves and
// binary leaves whose content was not supplied are left out.
func (t *Tree) Entries() ([]*storage.Entry, error) {
	root := t.Root()
	if root == nil {
		return nil, nil
	}
	var out []*storage.Entry
	if err := t.entries(root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) entries(n *types.Persistence, out *[]*storage.Entry) error {
	p := StoragePath(t.Parameter, n.Index)
	switch {
	case n.Compact:
		*out = append(*out, storage.File(p+GeoJSONSuffix, []byte(n.Value)))
	case n.IsCollection():
		meta, err := EncodeMetadata(len(n.Items))
		if err != nil {
			return fmt.Errorf("encode %s: %w", MetadataFile, err)
		}
		*out = append(*out, storage.Directory(p), storage.File(p+"/"+MetadataFile, meta))
		for _, idx := range n.Items {
			child, ok := t.nodes[idx]
			if !ok {
				continue
			}
			if err := t.entries(child, out); err != nil {
				return err
			}
		}
	case types.IsBinary(n.Kind):
		if data, ok := t.blobs[n.Index]; ok && n.Reference == "" {
			*out = append(*out, storage.File(p, data))
		}
	default:
		*out = append(*out, storage.File(p, []byte(n.Value)))
	}
	return nil
}
