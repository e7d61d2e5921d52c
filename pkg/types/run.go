// Package types provides shared domain types for the app engine service.
package types

import (
	"strings"
	"time"
)

// RunState represents the lifecycle state of a task run.
type RunState string

const (
	RunStateCreated     RunState = "CREATED"
	RunStateProvisioned RunState = "PROVISIONED"
	RunStateQueuing     RunState = "QUEUING"
	RunStateQueued      RunState = "QUEUED"
	RunStatePending     RunState = "PENDING"
	RunStateRunning     RunState = "RUNNING"
	RunStateFinished    RunState = "FINISHED"
	RunStateFailed      RunState = "FAILED"
)

// SchedulerManaged reports whether the state is owned by the scheduler.
// Output ingestion is only accepted from these states.
func (s RunState) SchedulerManaged() bool {
	switch s {
	case RunStateQueuing, RunStateQueued, RunStatePending, RunStateRunning:
		return true
	}
	return false
}

// ParseRunState returns the state for a (case-insensitive) name.
func ParseRunState(s string) (RunState, bool) {
	switch st := RunState(strings.ToUpper(strings.TrimSpace(s))); st {
	case RunStateCreated, RunStateProvisioned, RunStateQueuing, RunStateQueued,
		RunStatePending, RunStateRunning, RunStateFinished, RunStateFailed:
		return st, true
	}
	return "", false
}

// Run is one execution instance of a task.
type Run struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	TaskNamespace string    `json:"task_namespace"`
	TaskVersion   string    `json:"task_version"`
	State         RunState  `json:"state"`
	Secret        string    `json:"-"`
	Version       int64     `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// LastStateTransitionAt is nil until the first transition after creation.
	LastStateTransitionAt *time.Time `json:"last_state_transition_at,omitempty"`
}

// Clone returns a copy that does not alias the original.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastStateTransitionAt != nil {
		t := *r.LastStateTransitionAt
		c.LastStateTransitionAt = &t
	}
	return &c
}

// InputsNamespace is the storage namespace holding a run's provisioned inputs.
func InputsNamespace(runID string) string {
	return "task-run-inputs-" + runID
}

// OutputsNamespace is the storage namespace holding a run's produced outputs.
func OutputsNamespace(runID string) string {
	return "task-run-outputs-" + runID
}

// Resource is the run snapshot returned by state actions.
type Resource struct {
	ID                    string     `json:"id"`
	Task                  *TaskInfo  `json:"task"`
	State                 RunState   `json:"state"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastStateTransitionAt *time.Time `json:"last_state_transition_at,omitempty"`
}

// StateAction is the response to a requested state transition.
type StateAction struct {
	Status   string    `json:"status"`
	Resource *Resource `json:"resource"`
}
