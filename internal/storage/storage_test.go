package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBackend_ReadWrite(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	if err := b.Write(ctx, "missing", File("a", nil)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown namespace, got %v", err)
	}
	if err := b.CreateNamespace(ctx, "ns"); err != nil {
		t.Fatalf("CreateNamespace failed: %v", err)
	}

	for _, e := range []*Entry{
		File("a", []byte("5")),
		File("xs/array.yml", []byte("size: 2\n")),
		File("xs/0", []byte("1")),
		File("xs/1/array.yml", []byte("size: 0\n")),
	} {
		if err := b.Write(ctx, "ns", e); err != nil {
			t.Fatalf("Write %s failed: %v", e.Path, err)
		}
	}

	t.Run("reads a single file", func(t *testing.T) {
		data, err := b.Read(ctx, "ns", "a")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(data.Entries) != 1 || string(data.Entries[0].Data) != "5" {
			t.Errorf("unexpected entries: %+v", data.Entries)
		}
	})

	t.Run("reads a directory tree", func(t *testing.T) {
		data, err := b.Read(ctx, "ns", "xs")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		root := data.Root()
		if root == nil || root.Path != "xs" || !root.IsDir() {
			t.Fatalf("expected xs directory root, got %+v", root)
		}
		if _, ok := data.Lookup("xs/1"); !ok {
			t.Error("nested directory xs/1 missing")
		}
		children := data.Children("xs")
		if len(children) != 3 {
			t.Errorf("expected 3 children of xs, got %d", len(children))
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := b.Read(ctx, "ns", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("remove deletes descendants", func(t *testing.T) {
		if err := b.Remove(ctx, "ns", "xs"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := b.Read(ctx, "ns", "xs"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected xs to be gone, got %v", err)
		}
		if _, err := b.Read(ctx, "ns", "a"); err != nil {
			t.Errorf("sibling a should survive: %v", err)
		}
	})

	t.Run("delete namespace", func(t *testing.T) {
		if err := b.DeleteNamespace(ctx, "ns"); err != nil {
			t.Fatalf("DeleteNamespace failed: %v", err)
		}
		if _, err := b.Read(ctx, "ns", ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFold(t *testing.T) {
	fragments := []*Data{
		NewData(File("xs/0", []byte("1"))),
		NewData(Directory("xs")),
		NewData(File("xs/1/0", []byte("2"))),
		NewData(Directory("xs/1")),
		NewData(File("a", []byte("5"))),
	}

	folded := Fold(fragments)
	if len(folded) != 2 {
		t.Fatalf("expected 2 top-level fragments, got %d", len(folded))
	}

	var xs *Data
	for _, f := range folded {
		if f.Root().Path == "xs" {
			xs = f
		}
	}
	if xs == nil {
		t.Fatal("xs fragment missing")
	}
	for _, p := range []string{"xs", "xs/0", "xs/1", "xs/1/0"} {
		if _, ok := xs.Lookup(p); !ok {
			t.Errorf("expected %s in folded xs", p)
		}
	}
}

func TestClean(t *testing.T) {
	tests := map[string]string{
		"/xs/0/":   "xs/0",
		"xs//0":    "xs/0",
		"./xs/./0": "xs/0",
		"":         "",
		"/":        "",
	}
	for in, want := range tests {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}
