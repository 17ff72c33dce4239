package spindle

import (
	"errors"
	"fmt"
)

// TaskError wraps a failure produced by a task body. It is stored as the
// task's output and surfaced again to every reader that resolves that
// output, so the same error value can be observed by many downstream tasks.
type TaskError struct {
	Task  TaskId
	Kind  TaskKind
	Cause error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d (%s) failed: %v", e.Task, e.Kind, e.Cause)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// CallError reports misuse of a call site (wrong argument count, unresolved
// arguments where resolved ones are required). It is returned synchronously
// from the call, before any task is created.
type CallError struct {
	Function string
	Reason   string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("invalid call to %s: %s", e.Function, e.Reason)
}

var (
	// ErrEmptySlot is returned when reading a slot that has never been written.
	ErrEmptySlot = errors.New("slot has no value")
	// ErrTaskGone is returned when a reference points at a task that has been
	// garbage-collected.
	ErrTaskGone = errors.New("task no longer cached")
	// ErrInvalidReference is returned when resolving or reading the zero Reference.
	ErrInvalidReference = errors.New("invalid reference")
)

// SafeTypeAssertion performs safe type assertion with proper error
func SafeTypeAssertion[T any](value any) (T, error) {
	if value == nil {
		var zero T
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("type assertion error: expected %T, got %T (value: %v)", zero, value, value)
	}

	return typed, nil
}
