// Package storage provides namespaced file storage for run inputs and outputs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrNotFound is returned when a namespace or path does not exist.
var ErrNotFound = errors.New("storage: not found")

// EntryType tags an entry as a file or a directory.
type EntryType string

const (
	EntryFile      EntryType = "FILE"
	EntryDirectory EntryType = "DIRECTORY"
)

// Entry is one file or directory, addressed relative to its namespace.
// Directory paths carry no trailing slash.
type Entry struct {
	Path string
	Type EntryType
	Data []byte
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Type == EntryDirectory }

// Name returns the last path element.
func (e *Entry) Name() string { return path.Base(e.Path) }

// File returns a file entry.
func File(p string, data []byte) *Entry {
	return &Entry{Path: Clean(p), Type: EntryFile, Data: data}
}

// Directory returns a directory entry.
func Directory(p string) *Entry {
	return &Entry{Path: Clean(p), Type: EntryDirectory}
}

// Clean normalises a relative path: no leading or trailing slashes, no dot
// segments.
func Clean(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Data is a set of entries read from or written to one namespace.
type Data struct {
	Entries []*Entry
}

// NewData returns a set holding the given entries.
func NewData(entries ...*Entry) *Data {
	return &Data{Entries: entries}
}

// Root returns the shallowest entry.
func (d *Data) Root() *Entry {
	if d == nil || len(d.Entries) == 0 {
		return nil
	}
	root := d.Entries[0]
	for _, e := range d.Entries[1:] {
		if depth(e.Path) < depth(root.Path) || (depth(e.Path) == depth(root.Path) && e.IsDir() && !root.IsDir()) {
			root = e
		}
	}
	return root
}

// Lookup returns the entry at the given path.
func (d *Data) Lookup(p string) (*Entry, bool) {
	p = Clean(p)
	for _, e := range d.Entries {
		if e.Path == p {
			return e, true
		}
	}
	return nil, false
}

// Children returns the direct children of the directory at p, sorted by path.
func (d *Data) Children(p string) []*Entry {
	p = Clean(p)
	var out []*Entry
	for _, e := range d.Entries {
		if e.Path != p && path.Dir(e.Path) == dirOf(p) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Merge adds the entries of other, replacing entries with the same path.
func (d *Data) Merge(other *Data) {
	if other == nil {
		return
	}
	for _, e := range other.Entries {
		replaced := false
		for i, cur := range d.Entries {
			if cur.Path == e.Path {
				d.Entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			d.Entries = append(d.Entries, e)
		}
	}
}

// Complete adds the directory entries implied by deeper paths, e.g. "xs"
// for "xs/0" when an archive carried no explicit directory member.
func (d *Data) Complete() {
	have := make(map[string]bool, len(d.Entries))
	for _, e := range d.Entries {
		have[e.Path] = true
	}
	for _, e := range append([]*Entry(nil), d.Entries...) {
		for dir := path.Dir(e.Path); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if have[dir] {
				break
			}
			have[dir] = true
			d.Entries = append(d.Entries, Directory(dir))
		}
	}
}

// Fold merges fragments whose root lies inside another fragment's root
// directory. Fragments are visited deepest first so children fold into their
// nearest parent before that parent folds further up.
func Fold(fragments []*Data) []*Data {
	live := make([]*Data, 0, len(fragments))
	for _, f := range fragments {
		if f.Root() != nil {
			live = append(live, f)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return len(live[i].Root().Path) > len(live[j].Root().Path)
	})
	folded := make([]bool, len(live))
	for i, child := range live {
		cp := child.Root().Path
		for j := i + 1; j < len(live); j++ {
			if folded[j] {
				continue
			}
			parent := live[j].Root()
			if parent.IsDir() && strings.HasPrefix(cp, parent.Path+"/") {
				live[j].Merge(child)
				folded[i] = true
				break
			}
		}
	}
	var out []*Data
	for i, f := range live {
		if !folded[i] {
			out = append(out, f)
		}
	}
	return out
}

func dirOf(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// Backend stores entries in namespaces. Directories are structural; a backend
// may materialise them as markers.
type Backend interface {
	// CreateNamespace prepares an empty namespace.
	CreateNamespace(ctx context.Context, namespace string) error

	// Write stores one entry, creating parent directories as needed.
	Write(ctx context.Context, namespace string, entry *Entry) error

	// Read returns the file at p, or the directory at p with every
	// descendant. An empty p reads the whole namespace.
	Read(ctx context.Context, namespace, p string) (*Data, error)

	// Remove deletes the entry at p and its descendants.
	Remove(ctx context.Context, namespace, p string) error

	// DeleteNamespace removes the namespace and everything in it.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// WriteAll writes every entry of data.
func WriteAll(ctx context.Context, b Backend, namespace string, data *Data) error {
	for _, e := range data.Entries {
		if err := b.Write(ctx, namespace, e); err != nil {
			return fmt.Errorf("write %s/%s: %w", namespace, e.Path, err)
		}
	}
	return nil
}

// Config holds storage backend configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all namespaces
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "memory",
		PathPrefix: "appengine",
	}
}

// New creates the configured backend.
func New(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "s3":
		b, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		return b, nil
	case "minio":
		b, err := NewMinioBackend(ctx, &MinioConfig{
			Endpoint:   cfg.Endpoint,
			Bucket:     cfg.Bucket,
			Region:     cfg.Region,
			AccessKey:  cfg.AccessKeyID,
			SecretKey:  cfg.SecretAccessKey,
			UseSSL:     cfg.UseSSL,
			PathPrefix: cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// objectKey joins prefix, namespace and path into an object key.
func objectKey(prefix, namespace, p string) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{strings.Trim(prefix, "/"), namespace, Clean(p)} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// dataFromObjects rebuilds a Data set from object listings. objects maps the path
// relative to the namespace to the object content; keys ending in "/" are
// directory markers.
func dataFromObjects(p string, objects map[string][]byte) (*Data, error) {
	p = Clean(p)
	if content, ok := objects[p]; ok && p != "" {
		return NewData(File(p, content)), nil
	}
	data := &Data{}
	dirs := map[string]bool{}
	if p != "" {
		dirs[p] = true
	}
	for key, content := range objects {
		rel := strings.TrimSuffix(key, "/")
		if rel == "" || rel == p {
			continue
		}
		if p != "" && !strings.HasPrefix(rel, p+"/") {
			continue
		}
		if strings.HasSuffix(key, "/") {
			dirs[rel] = true
		} else {
			data.Entries = append(data.Entries, File(rel, content))
		}
		for dir := path.Dir(rel); dir != "." && (p == "" || strings.HasPrefix(dir+"/", p+"/")); dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	if len(data.Entries) == 0 && len(dirs) == 0 {
		return nil, ErrNotFound
	}
	if p != "" && len(data.Entries) == 0 && !hasMarker(objects, p) && len(dirs) == 1 {
		return nil, ErrNotFound
	}
	for dir := range dirs {
		data.Entries = append(data.Entries, Directory(dir))
	}
	sort.Slice(data.Entries, func(i, j int) bool { return data.Entries[i].Path < data.Entries[j].Path })
	return data, nil
}

func hasMarker(objects map[string][]byte, p string) bool {
	_, ok := objects[p+"/"]
	return ok
}
