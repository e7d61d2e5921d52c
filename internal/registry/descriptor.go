package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// ErrInvalidDescriptor is returned when a task descriptor cannot be loaded.
var ErrInvalidDescriptor = errors.New("invalid task descriptor")

type descriptor struct {
	Name          string          `json:"name"`
	NameShort     string          `json:"name_short"`
	Namespace     string          `json:"namespace"`
	Version       string          `json:"version"`
	Description   string          `json:"description"`
	Authors       []author        `json:"authors"`
	Configuration configuration   `json:"configuration"`
	Inputs        map[string]spec `json:"inputs"`
	Outputs       map[string]spec `json:"outputs"`
}

type author struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Organization string `json:"organization"`
	Email        string `json:"email"`
	IsContact    bool   `json:"is_contact"`
}

func (a author) String() string {
	s := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if a.Organization != "" {
		s += " (" + a.Organization + ")"
	}
	if a.Email != "" {
		s += " <" + a.Email + ">"
	}
	return s
}

type configuration struct {
	Image struct {
		Name string `json:"name"`
		File string `json:"file"`
	} `json:"image"`
}

type spec struct {
	DisplayName  string          `json:"display_name"`
	Description  string          `json:"description"`
	Optional     bool            `json:"optional"`
	Type         json.RawMessage `json:"type"`
	Dependencies struct {
		DerivedFrom string   `json:"derived_from"`
		Matching    []string `json:"matching"`
	} `json:"dependencies"`
}

// LoadDescriptor parses a YAML or JSON task descriptor, validates it against
// the descriptor schema and builds the task it declares. Parameters keep
// their declaration order.
func LoadDescriptor(data []byte) (*types.Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidDescriptor, err)
	}
	var raw map[string]interface{}
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidDescriptor, err)
	}

	// Normalise YAML scalars (ints, timestamps) into their JSON forms.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	v, err := validator.Default()
	if err != nil {
		return nil, fmt.Errorf("load descriptor schema: %w", err)
	}
	if result := v.ValidateDescriptor(doc); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, result.Summary())
	}

	var d descriptor
	if err := json.Unmarshal(encoded, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	task := &types.Task{
		Namespace:   d.Namespace,
		Version:     d.Version,
		Name:        d.Name,
		Description: d.Description,
		Image:       d.Configuration.Image.Name,
	}
	for _, a := range d.Authors {
		task.Authors = append(task.Authors, a.String())
	}

	sections := []struct {
		key   string
		dir   types.Direction
		specs map[string]spec
	}{
		{"inputs", types.DirectionInput, d.Inputs},
		{"outputs", types.DirectionOutput, d.Outputs},
	}
	for _, s := range sections {
		for _, name := range keyOrder(&root, s.key) {
			p, err := buildParameter(name, s.dir, s.specs[name])
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidDescriptor, s.key, name, err)
			}
			task.Parameters = append(task.Parameters, p)
		}
	}

	for _, s := range sections {
		for _, name := range keyOrder(&root, s.key) {
			deps := s.specs[name].Dependencies
			if deps.DerivedFrom != "" {
				if _, err := resolveReference(task, deps.DerivedFrom); err != nil {
					return nil, fmt.Errorf("%w: %s/%s: derived_from: %v", ErrInvalidDescriptor, s.key, name, err)
				}
			}
			for _, ref := range deps.Matching {
				matched, err := resolveReference(task, ref)
				if err != nil {
					return nil, fmt.Errorf("%w: %s/%s: matching: %v", ErrInvalidDescriptor, s.key, name, err)
				}
				task.Matches = append(task.Matches, &types.Match{
					Matching:          name,
					MatchingDirection: s.dir,
					Matched:           matched.Name,
					MatchedDirection:  matched.Direction,
					CheckTime:         types.CheckTimeFor(s.dir, matched.Direction),
				})
			}
		}
	}
	return task, nil
}

func buildParameter(name string, dir types.Direction, s spec) (*types.Parameter, error) {
	typ, err := types.UnmarshalType(s.Type)
	if err != nil {
		return nil, err
	}
	p := &types.Parameter{
		Name:        name,
		DisplayName: s.DisplayName,
		Description: s.Description,
		Direction:   dir,
		Optional:    s.Optional,
		Type:        typ,
	}
	if s.Dependencies.DerivedFrom != "" {
		_, ref, _ := strings.Cut(s.Dependencies.DerivedFrom, "/")
		p.DerivedFrom = ref
	}
	return p, nil
}

// resolveReference finds the parameter named by "inputs/<name>" or
// "outputs/<name>".
func resolveReference(task *types.Task, ref string) (*types.Parameter, error) {
	section, name, _ := strings.Cut(ref, "/")
	dir := types.DirectionInput
	if section == "outputs" {
		dir = types.DirectionOutput
	}
	p, ok := task.Parameter(name, dir)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", ref)
	}
	return p, nil
}

// keyOrder returns the keys of the mapping stored under key in the document,
// in document order.
func keyOrder(root *yaml.Node, key string) []string {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != key {
			continue
		}
		section := doc.Content[i+1]
		if section.Kind != yaml.MappingNode {
			return nil
		}
		keys := make([]string, 0, len(section.Content)/2)
		for j := 0; j+1 < len(section.Content); j += 2 {
			keys = append(keys, section.Content[j].Value)
		}
		return keys
	}
	return nil
}
