package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies pipeline failures for retry and reporting decisions.
type ErrorKind string

const (
	ErrInvalidPipeline   ErrorKind = "invalid_pipeline"
	ErrRepoNotAccessible ErrorKind = "repo_not_accessible"
	ErrTransientGraph    ErrorKind = "transient_graph_error"
	ErrQuery             ErrorKind = "query_error"
	ErrSchema            ErrorKind = "schema_error"
	ErrConnection        ErrorKind = "connection_error"
	ErrExternalTool      ErrorKind = "external_tool_error"
	ErrLLM               ErrorKind = "llm_error"
	ErrTimeout           ErrorKind = "timeout_error"
	ErrCancelled         ErrorKind = "cancelled"
	ErrNotFound          ErrorKind = "not_found"
	ErrInternal          ErrorKind = "internal_error"
)

// ErrorRecord is the structured error carried on failed jobs and steps.
// Cause chains are flattened to strings so the record survives JSON
// round-trips through storage and the progress bus.
type ErrorRecord struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	StepName  string    `json:"step_name,omitempty"`
	Retryable bool      `json:"retryable"`
	Attempts  int       `json:"attempts,omitempty"`
	Causes    []string  `json:"causes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorRecord builds an ErrorRecord from an error, unwrapping the cause chain.
func NewErrorRecord(kind ErrorKind, stepName string, retryable bool, err error) *ErrorRecord {
	rec := &ErrorRecord{
		Kind:      kind,
		StepName:  stepName,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
	if err != nil {
		rec.Message = err.Error()
		for cause := Unwrap(err); cause != nil; cause = Unwrap(cause) {
			rec.Causes = append(rec.Causes, cause.Error())
		}
	}
	return rec
}

// Unwrap exposes errors.Unwrap without forcing callers to import both packages.
func Unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// Error implements the error interface so records can flow through error returns.
func (r *ErrorRecord) Error() string {
	if r.StepName != "" {
		return fmt.Sprintf("%s: %s (step=%s)", r.Kind, r.Message, r.StepName)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// PipelineError is a typed error for synchronous submit failures.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError creates a typed pipeline error.
func NewPipelineError(kind ErrorKind, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error kind for typed errors, ErrInternal otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	switch e := err.(type) {
	case *PipelineError:
		return e.Kind
	case *ErrorRecord:
		return e.Kind
	}
	if cause := Unwrap(err); cause != nil {
		return KindOf(cause)
	}
	return ErrInternal
}
