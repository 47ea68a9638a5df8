package engine

import (
	"fmt"
	"strings"
)

// ValidationError rejects bad input before any mutation. Not retryable
// without fixing the input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError means a claim raced and lost: the task is already owned.
// Retryable in the sense that the caller should pick a different task.
type ConflictError struct {
	TaskID    string
	ClaimedBy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.TaskID, e.ClaimedBy)
}

// BlockedError means a claim was attempted on a task with unresolved
// dependencies.
type BlockedError struct {
	TaskID     string
	Unresolved []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("task %s blocked by unresolved tasks: %s", e.TaskID, strings.Join(e.Unresolved, ", "))
}

// TransitionError rejects an invalid status or phase transition.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// OwnershipError rejects a resolve by a caller that does not hold the claim.
type OwnershipError struct {
	TaskID    string
	ClaimedBy string
	Caller    string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("task %s is claimed by %s, not %s", e.TaskID, e.ClaimedBy, e.Caller)
}
