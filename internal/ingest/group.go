package ingest

import (
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
)

// group assembles received entries into one data set per output. Every
// entry starts as its own fragment; fragments are folded into the nearest
// enclosing directory, deepest first, until one remains per output root.
func group(entries []*storage.Entry, names []string) map[string]*storage.Data {
	all := storage.NewData(entries...)
	all.Complete()

	fragments := make([]*storage.Data, 0, len(all.Entries))
	for _, e := range all.Entries {
		fragments = append(fragments, storage.NewData(e))
	}

	out := make(map[string]*storage.Data)
	for _, f := range storage.Fold(fragments) {
		name, ok := collection.OutputName(f.Root().Path, names)
		if !ok {
			continue
		}
		if cur, ok := out[name]; ok {
			// A geometry document next to a directory of the same output.
			cur.Merge(f)
			continue
		}
		out[name] = f
	}
	return out
}
