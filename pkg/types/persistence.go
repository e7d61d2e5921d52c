package types

import (
	"strings"
	"time"
)

// PersistenceKey addresses one node of a run's value arena.
type PersistenceKey struct {
	RunID     string
	Direction Direction
	Parameter string
	// Index is the slash separated index path below the parameter; empty for
	// the parameter root.
	Index string
}

// Persistence is a provisioned or produced value for one (run, parameter,
// index path). Collection nodes reference their items by index path instead
// of owning them; the store holds every node flat.
type Persistence struct {
	RunID     string    `json:"run_id"`
	Direction Direction `json:"direction"`
	Parameter string    `json:"parameter"`
	Index     string    `json:"index,omitempty"`
	Kind      Kind      `json:"kind"`

	// Value holds the text encoding of a scalar leaf, or the compact GeoJSON
	// document of a geometry collection.
	Value string `json:"value,omitempty"`

	// Reference is the managed-storage path of a file or image passed by reference.
	Reference string `json:"reference,omitempty"`

	Size        int      `json:"size,omitempty"`
	Items       []string `json:"items,omitempty"`
	Provisioned bool     `json:"provisioned"`
	Referenced  bool     `json:"referenced,omitempty"`
	Compact     bool     `json:"compact,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the arena key of the node.
func (p *Persistence) Key() PersistenceKey {
	return PersistenceKey{RunID: p.RunID, Direction: p.Direction, Parameter: p.Parameter, Index: p.Index}
}

// CollectionIndex returns the bracketed index suffix, e.g. "[0][4]".
func (p *Persistence) CollectionIndex() string {
	if p.Index == "" {
		return ""
	}
	return "[" + strings.ReplaceAll(p.Index, "/", "][") + "]"
}

// Name returns the internal address of the node, e.g. "xs[0][4]".
func (p *Persistence) Name() string {
	return p.Parameter + p.CollectionIndex()
}

// IsCollection reports whether the node is a collection level.
func (p *Persistence) IsCollection() bool {
	return p.Kind == KindCollection
}

// Clone returns a deep copy.
func (p *Persistence) Clone() *Persistence {
	if p == nil {
		return nil
	}
	c := *p
	if p.Items != nil {
		c.Items = append([]string(nil), p.Items...)
	}
	return &c
}

// ChildIndex joins a parent index path with an item position.
func ChildIndex(parent string, pos string) string {
	if parent == "" {
		return pos
	}
	return parent + "/" + pos
}

// Checksum is a CRC32 recorded for one stored file.
type Checksum struct {
	Reference string `json:"reference"`
	CRC32     uint32 `json:"crc32"`
}
