package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskNotFound is returned when an operation references an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// TransitionError reports an attempted state transition outside the allowed
// set. This is a programming or integration error and is never swallowed.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// DependencyError reports a missing dependency or a dependency cycle,
// including the chain that led to it.
type DependencyError struct {
	TaskID  string   // Task whose dependencies were being resolved
	Missing string   // Non-empty when a referenced dependency ID does not exist
	Cycle   []string // Non-empty when a cycle was detected
	Chain   []string // Dependency chain from TaskID to the failure point
}

func (e *DependencyError) Error() string {
	switch {
	case e.Missing != "":
		return fmt.Sprintf("task %q depends on non-existent task %q (chain: %s)",
			e.TaskID, e.Missing, strings.Join(e.Chain, " -> "))
	case len(e.Cycle) > 0:
		return fmt.Sprintf("task %q is part of a dependency cycle: %s",
			e.TaskID, strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("task %q: dependency error", e.TaskID)
	}
}
