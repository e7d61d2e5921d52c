package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction tells whether a parameter is consumed or produced by a task.
type Direction string

const (
	DirectionInput  Direction = "INPUT"
	DirectionOutput Direction = "OUTPUT"
)

// CheckTime tells when a match is evaluated.
type CheckTime string

const (
	CheckBeforeExecution CheckTime = "BEFORE_EXECUTION"
	CheckAfterExecution  CheckTime = "AFTER_EXECUTION"
)

// Task is an immutable, registered task definition.
type Task struct {
	ID          string       `json:"id"`
	Namespace   string       `json:"namespace"`
	Version     string       `json:"version"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Image       string       `json:"image,omitempty"`
	Authors     []string     `json:"authors,omitempty"`
	Parameters  []*Parameter `json:"parameters"`
	Matches     []*Match     `json:"matches,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Parameter is one declared input or output of a task.
type Parameter struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Description string    `json:"description,omitempty"`
	Direction   Direction `json:"direction"`
	Optional    bool      `json:"optional,omitempty"`
	DerivedFrom string    `json:"derived_from,omitempty"`
	Type        Type      `json:"-"`
}

type parameterJSON struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description,omitempty"`
	Direction   Direction       `json:"direction"`
	Optional    bool            `json:"optional,omitempty"`
	DerivedFrom string          `json:"derived_from,omitempty"`
	Type        json.RawMessage `json:"type"`
}

// MarshalJSON encodes the parameter with its type tree.
func (p *Parameter) MarshalJSON() ([]byte, error) {
	if p.Type == nil {
		return nil, fmt.Errorf("parameter %q has no type", p.Name)
	}
	raw, err := MarshalType(p.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(parameterJSON{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Description: p.Description,
		Direction:   p.Direction,
		Optional:    p.Optional,
		DerivedFrom: p.DerivedFrom,
		Type:        raw,
	})
}

// UnmarshalJSON decodes the parameter and its type tree.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var pj parameterJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	if len(pj.Type) == 0 {
		return fmt.Errorf("parameter %q: missing type", pj.Name)
	}
	t, err := UnmarshalType(pj.Type)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", pj.Name, err)
	}
	*p = Parameter{
		Name:        pj.Name,
		DisplayName: pj.DisplayName,
		Description: pj.Description,
		Direction:   pj.Direction,
		Optional:    pj.Optional,
		DerivedFrom: pj.DerivedFrom,
		Type:        t,
	}
	return nil
}

// Match declares that two collection parameters must stay aligned.
type Match struct {
	Matching          string    `json:"matching"`
	MatchingDirection Direction `json:"matching_direction"`
	Matched           string    `json:"matched"`
	MatchedDirection  Direction `json:"matched_direction"`
	CheckTime         CheckTime `json:"check_time"`
}

// CheckTimeFor returns when a match between parameters of the given
// directions is evaluated: input-only matches before execution, any match
// involving an output after it.
func CheckTimeFor(matching, matched Direction) CheckTime {
	if matching == DirectionInput && matched == DirectionInput {
		return CheckBeforeExecution
	}
	return CheckAfterExecution
}

// Parameter returns the named parameter in the given direction.
func (t *Task) Parameter(name string, dir Direction) (*Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name && p.Direction == dir {
			return p, true
		}
	}
	return nil, false
}

// Inputs returns the task's input parameters in declaration order.
func (t *Task) Inputs() []*Parameter {
	return t.filter(DirectionInput)
}

// Outputs returns the task's output parameters in declaration order.
func (t *Task) Outputs() []*Parameter {
	return t.filter(DirectionOutput)
}

// MatchesAt returns the matches evaluated at the given time.
func (t *Task) MatchesAt(when CheckTime) []*Match {
	var out []*Match
	for _, m := range t.Matches {
		if m.CheckTime == when {
			out = append(out, m)
		}
	}
	return out
}

func (t *Task) filter(dir Direction) []*Parameter {
	var out []*Parameter
	for _, p := range t.Parameters {
		if p.Direction == dir {
			out = append(out, p)
		}
	}
	return out
}

// Info returns the task description embedded in run resources.
func (t *Task) Info() *TaskInfo {
	return &TaskInfo{
		ID:          t.ID,
		Namespace:   t.Namespace,
		Version:     t.Version,
		Name:        t.Name,
		Description: t.Description,
		Authors:     t.Authors,
	}
}

// TaskInfo is a task description without its parameters.
type TaskInfo struct {
	ID          string   `json:"id"`
	Namespace   string   `json:"namespace"`
	Version     string   `json:"version"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Authors     []string `json:"authors,omitempty"`
}
