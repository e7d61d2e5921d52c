// Package apperr defines the error taxonomy shared by provisioning, the
// collection engine and output ingestion.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per kind. Use errors.Is to classify.
var (
	ErrParameterNotFound      = errors.New("parameter not found")
	ErrParameterTypeMismatch  = errors.New("parameter type mismatch")
	ErrConstraintViolation    = errors.New("constraint violation")
	ErrInvalidFormat          = errors.New("invalid format")
	ErrInvalidIndexPath       = errors.New("invalid index path")
	ErrCollectionSize         = errors.New("collection size violation")
	ErrMissingMetadata        = errors.New("missing collection metadata")
	ErrInvalidStructure       = errors.New("invalid stored structure")
	ErrRunNotFound            = errors.New("run not found")
	ErrTaskNotFound           = errors.New("task not found")
	ErrInvalidRunState        = errors.New("invalid run state")
	ErrUnknownState           = errors.New("unknown state")
	ErrNotProvisioned         = errors.New("run not provisioned")
	ErrMissingOutputs         = errors.New("missing outputs")
	ErrUnknownOutput          = errors.New("unknown output")
	ErrMatchSizeMismatch      = errors.New("matched collections differ in size")
	ErrMatchIndexMisalignment = errors.New("matched collection indexes are not aligned")
	ErrChecksumFailure        = errors.New("checksum failure")
	ErrUnauthenticatedOutputs = errors.New("unauthenticated output submission")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrStorage                = errors.New("storage failure")
	ErrScheduling             = errors.New("scheduling failure")
)

// Constraint names the bound a ConstraintViolation refers to.
type Constraint string

const (
	ConstraintGT       Constraint = "gt"
	ConstraintGEQ      Constraint = "geq"
	ConstraintLT       Constraint = "lt"
	ConstraintLEQ      Constraint = "leq"
	ConstraintLength   Constraint = "length"
	ConstraintInfinity Constraint = "infinity"
	ConstraintNaN      Constraint = "nan"
	ConstraintValues   Constraint = "values"
	ConstraintBefore   Constraint = "before"
	ConstraintAfter    Constraint = "after"
	ConstraintFileSize Constraint = "max_file_size"
	ConstraintWidth    Constraint = "max_width"
	ConstraintHeight   Constraint = "max_height"
)

// Error is a classified failure attributed to a parameter.
type Error struct {
	Kind       error      `json:"-"`
	Parameter  string     `json:"parameter,omitempty"`
	Constraint Constraint `json:"constraint,omitempty"`
	Message    string     `json:"message"`
}

// New returns an Error of the given kind.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Constraintf returns a ConstraintViolation for one bound.
func Constraintf(c Constraint, format string, args ...any) *Error {
	return &Error{Kind: ErrConstraintViolation, Constraint: c, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Parameter != "" {
		b.WriteString(e.Parameter)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Constraint != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Constraint))
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// Code returns a stable snake_case identifier of the kind.
func (e *Error) Code() string {
	return Code(e)
}

// WithParameter returns a copy attributed to the named parameter. An existing
// attribution is kept.
func (e *Error) WithParameter(name string) *Error {
	c := *e
	if c.Parameter == "" {
		c.Parameter = name
	}
	return &c
}

// Attribute converts err into an *Error attributed to the parameter. Errors
// that are not already classified keep their text under the fallback kind.
func Attribute(err error, parameter string, fallback error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e.WithParameter(parameter)
	}
	return &Error{Kind: fallback, Parameter: parameter, Message: err.Error()}
}

// ConstraintOf returns the constraint of a ConstraintViolation in err's chain.
func ConstraintOf(err error) Constraint {
	var e *Error
	if errors.As(err, &e) {
		return e.Constraint
	}
	return ""
}

// BatchError aggregates independent failures, e.g. one per parameter.
type BatchError struct {
	Errors []*Error `json:"errors"`
}

func (b *BatchError) Error() string {
	if len(b.Errors) == 0 {
		return "batch failed"
	}
	parts := make([]string, len(b.Errors))
	for i, e := range b.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d error(s): %s", len(b.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every aggregated error to errors.Is and errors.As.
func (b *BatchError) Unwrap() []error {
	out := make([]error, len(b.Errors))
	for i, e := range b.Errors {
		out[i] = e
	}
	return out
}

// Add appends err, flattening nested batches.
func (b *BatchError) Add(err error, parameter string, fallback error) {
	if err == nil {
		return
	}
	var nested *BatchError
	if errors.As(err, &nested) {
		for _, e := range nested.Errors {
			b.Errors = append(b.Errors, e.WithParameter(parameter))
		}
		return
	}
	b.Errors = append(b.Errors, Attribute(err, parameter, fallback))
}

// OrNil returns nil when nothing was added.
func (b *BatchError) OrNil() error {
	if b == nil || len(b.Errors) == 0 {
		return nil
	}
	return b
}

var codes = []struct {
	err  error
	code string
}{
	{ErrParameterNotFound, "parameter_not_found"},
	{ErrParameterTypeMismatch, "parameter_type_mismatch"},
	{ErrConstraintViolation, "constraint_violation"},
	{ErrInvalidFormat, "invalid_format"},
	{ErrInvalidIndexPath, "invalid_index_path"},
	{ErrCollectionSize, "collection_size_violation"},
	{ErrMissingMetadata, "missing_collection_metadata"},
	{ErrInvalidStructure, "invalid_structure"},
	{ErrRunNotFound, "run_not_found"},
	{ErrTaskNotFound, "task_not_found"},
	{ErrInvalidRunState, "invalid_run_state"},
	{ErrUnknownState, "unknown_state"},
	{ErrNotProvisioned, "not_provisioned"},
	{ErrMissingOutputs, "missing_outputs"},
	{ErrUnknownOutput, "unknown_output"},
	{ErrMatchSizeMismatch, "match_size_mismatch"},
	{ErrMatchIndexMisalignment, "match_index_misalignment"},
	{ErrChecksumFailure, "checksum_failure"},
	{ErrUnauthenticatedOutputs, "unauthenticated_output_submission"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrStorage, "storage_failure"},
	{ErrScheduling, "scheduling_failure"},
}

// Code returns the identifier of the first known kind in err's chain.
func Code(err error) string {
	var b *BatchError
	if errors.As(err, &b) {
		return "batch_error"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}
