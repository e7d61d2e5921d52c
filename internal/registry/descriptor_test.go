package registry

import (
	"errors"
	"testing"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

const segmentationDescriptor = `
name: Cell segmentation
name_short: segment
namespace: com.example.segment
version: 1.2.0
description: Segments cells in tiles
authors:
  - first_name: Ada
    last_name: Lovelace
    organization: Example Lab
    email: ada@example.com
    is_contact: true
configuration:
  image:
    name: com/example/segment:1.2.0
    file: /image.tar
inputs:
  threshold:
    display_name: Threshold
    type:
      id: number
      geq: 0
      leq: 1
  tiles:
    type:
      id: array
      min_size: 1
      max_size: 16
      subtype: image
  masks_per_tile:
    type:
      id: array
      max_size: 16
      subtype: integer
    dependencies:
      matching: [inputs/tiles]
outputs:
  masks:
    type:
      id: array
      max_size: 16
      subtype:
        id: geometry
    dependencies:
      derived_from: inputs/tiles
      matching: [inputs/tiles]
  count:
    type: integer
`

func TestLoadDescriptor(t *testing.T) {
	task, err := LoadDescriptor([]byte(segmentationDescriptor))
	if err != nil {
		t.Fatalf("LoadDescriptor failed: %v", err)
	}

	if task.Namespace != "com.example.segment" || task.Version != "1.2.0" || task.Name != "Cell segmentation" {
		t.Errorf("unexpected identity %s@%s %q", task.Namespace, task.Version, task.Name)
	}
	if task.Image != "com/example/segment:1.2.0" {
		t.Errorf("unexpected image %q", task.Image)
	}
	if len(task.Authors) != 1 || task.Authors[0] != "Ada Lovelace (Example Lab) <ada@example.com>" {
		t.Errorf("unexpected authors %v", task.Authors)
	}

	t.Run("parameters keep declaration order", func(t *testing.T) {
		var names []string
		for _, p := range task.Inputs() {
			names = append(names, p.Name)
		}
		want := []string{"threshold", "tiles", "masks_per_tile"}
		if len(names) != len(want) {
			t.Fatalf("expected inputs %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("input %d: expected %s, got %s", i, want[i], names[i])
			}
		}
	})

	t.Run("types", func(t *testing.T) {
		threshold, _ := task.Parameter("threshold", types.DirectionInput)
		n, ok := threshold.Type.(*types.NumberType)
		if !ok || n.GEQ == nil || *n.GEQ != 0 || n.LEQ == nil || *n.LEQ != 1 {
			t.Errorf("unexpected threshold type %#v", threshold.Type)
		}
		if threshold.DisplayName != "Threshold" {
			t.Errorf("unexpected display name %q", threshold.DisplayName)
		}

		tiles, _ := task.Parameter("tiles", types.DirectionInput)
		c, ok := tiles.Type.(*types.CollectionType)
		if !ok || c.MinSize != 1 || c.MaxSize != 16 || c.SubType.Kind() != types.KindImage {
			t.Errorf("unexpected tiles type %s", tiles.Type)
		}

		count, _ := task.Parameter("count", types.DirectionOutput)
		if count.Type.Kind() != types.KindInteger {
			t.Errorf("short type form not decoded, got %s", count.Type)
		}

		masks, _ := task.Parameter("masks", types.DirectionOutput)
		if masks.DerivedFrom != "tiles" {
			t.Errorf("expected derived_from tiles, got %q", masks.DerivedFrom)
		}
	})

	t.Run("matches", func(t *testing.T) {
		before := task.MatchesAt(types.CheckBeforeExecution)
		if len(before) != 1 || before[0].Matching != "masks_per_tile" || before[0].Matched != "tiles" {
			t.Errorf("unexpected before-execution matches %+v", before)
		}
		after := task.MatchesAt(types.CheckAfterExecution)
		if len(after) != 1 || after[0].Matching != "masks" || after[0].MatchingDirection != types.DirectionOutput {
			t.Errorf("unexpected after-execution matches %+v", after)
		}
	})
}

func TestLoadDescriptor_JSON(t *testing.T) {
	doc := `{"name": "Add", "namespace": "com.example.add", "version": "1.0.0",
		"inputs": {"a": {"type": "integer"}, "b": {"type": {"id": "integer", "gt": 0}}},
		"outputs": {"sum": {"type": "integer"}}}`
	task, err := LoadDescriptor([]byte(doc))
	if err != nil {
		t.Fatalf("LoadDescriptor failed: %v", err)
	}
	if len(task.Inputs()) != 2 || len(task.Outputs()) != 1 {
		t.Errorf("expected 2 inputs and 1 output, got %d/%d", len(task.Inputs()), len(task.Outputs()))
	}
	b, _ := task.Parameter("b", types.DirectionInput)
	if it := b.Type.(*types.IntegerType); it.GT == nil || *it.GT != 0 {
		t.Errorf("unexpected b type %#v", b.Type)
	}
}

func TestLoadDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "name: [unterminated"},
		{"missing namespace", "name: x\nversion: 1.0.0\ninputs: {}\n"},
		{"bad version", "name: x\nnamespace: ns\nversion: latest\ninputs: {}\n"},
		{"unknown type", "name: x\nnamespace: ns\nversion: 1.0.0\ninputs:\n  a:\n    type: tensor\n"},
		{"array without max_size", "name: x\nnamespace: ns\nversion: 1.0.0\ninputs:\n  a:\n    type:\n      id: array\n      subtype: integer\n"},
		{"enumeration without values", "name: x\nnamespace: ns\nversion: 1.0.0\ninputs:\n  a:\n    type:\n      id: enumeration\n"},
		{"unknown match", "name: x\nnamespace: ns\nversion: 1.0.0\ninputs:\n  a:\n    type: integer\n    dependencies:\n      matching: [inputs/b]\n"},
		{"unknown derived_from", "name: x\nnamespace: ns\nversion: 1.0.0\ninputs: {}\noutputs:\n  a:\n    type: integer\n    dependencies:\n      derived_from: inputs/b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadDescriptor([]byte(tt.doc)); !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("expected ErrInvalidDescriptor, got %v", err)
			}
		})
	}
}
