package model

import (
	"errors"
	"fmt"
)

// Load-time errors. Fatal: the run aborts before the DAG is built.
var (
	ErrMalformedRecord        = errors.New("malformed record")
	ErrUnknownGenomeReference = errors.New("unknown genome reference")
)

// Construction-time errors. Fatal: they indicate a pipeline definition bug,
// and the run aborts before any task executes.
var (
	ErrUnresolvedInput   = errors.New("unresolved input")
	ErrTemplateCycle     = errors.New("template cycle")
	ErrUnsatisfiedInput  = errors.New("unsatisfied input")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrDuplicateTemplate = errors.New("duplicate template")
	ErrDuplicateOutput   = errors.New("duplicate output")
	ErrInvalidPattern    = errors.New("invalid path pattern")
	ErrInvalidCommand    = errors.New("invalid command template")
)

// Runtime errors. Recovered per task: the task fails, its dependents are
// failed by propagation and unrelated branches continue.
var (
	ErrTaskExecution    = errors.New("task execution failure")
	ErrMissingOutput    = errors.New("declared output not produced")
	ErrResourceExceeded = errors.New("resource request exceeds budget")
	ErrTimeLimit        = errors.New("time limit exceeded")
)

// RecordError describes a rejected sample sheet line.
type RecordError struct {
	Line   int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: line %d: %s", ErrMalformedRecord, e.Line, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrMalformedRecord }

// GenomeReferenceError is returned when a sample names an unknown genome.
type GenomeReferenceError struct {
	SampleID string
	GenomeID string
}

func (e *GenomeReferenceError) Error() string {
	return fmt.Sprintf("%s: sample %q references genome %q", ErrUnknownGenomeReference, e.SampleID, e.GenomeID)
}

func (e *GenomeReferenceError) Unwrap() error { return ErrUnknownGenomeReference }

// DefinitionError wraps a construction-time failure with the template or
// task it concerns.
type DefinitionError struct {
	Kind    error
	Subject string
	Msg     string
}

func (e *DefinitionError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Subject, e.Msg)
}

func (e *DefinitionError) Unwrap() error { return e.Kind }

// NewDefinitionError builds a DefinitionError with a formatted message.
func NewDefinitionError(kind error, subject, format string, args ...any) *DefinitionError {
	return &DefinitionError{Kind: kind, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// TaskError is the failure of one task execution.
type TaskError struct {
	Task     TaskID
	Phase    string // "acquire", "stage", "execute", "timeout", "promote"
	ExitCode int
	Err      error
}

func (e *TaskError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("task %s: %s: %v (exit code %d)", e.Task, e.Phase, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("task %s: %s: %v", e.Task, e.Phase, e.Err)
}

// Is makes every TaskError match ErrTaskExecution.
func (e *TaskError) Is(target error) bool {
	return target == ErrTaskExecution
}

func (e *TaskError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	ID   string
	From TaskState
	To   TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s → %s (task %s)", e.From, e.To, e.ID)
}
