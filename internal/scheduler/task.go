package scheduler

import (
	"fmt"
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusPending        Status = iota // Created, not yet evaluated for readiness
	StatusBlocked                      // Waiting for dependencies to complete
	StatusReady                        // All dependencies complete, eligible to run
	StatusRunning                      // Currently executing
	StatusRetryScheduled               // Failed, waiting out the backoff delay
	StatusCompleted                    // Finished successfully (terminal)
	StatusFailed                       // Finished with error; terminal once retries are exhausted
	StatusCancelled                    // Explicitly cancelled (terminal)
)

// String returns the canonical lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBlocked:
		return "blocked"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusRetryScheduled:
		return "retry_scheduled"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the status permits no further transitions.
// StatusFailed is terminal only once the retry budget is exhausted, which is
// enforced by MarkFailed rather than the transition table.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// allowedTransitions is the explicit state machine. Any transition not listed
// here fails with a *TransitionError.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusBlocked, StatusReady, StatusCancelled},
	StatusBlocked:        {StatusReady, StatusCancelled},
	StatusReady:          {StatusRunning, StatusCancelled},
	StatusRunning:        {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:         {StatusRetryScheduled, StatusCancelled},
	StatusRetryScheduled: {StatusReady, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// CanTransition reports whether from -> to is in the allowed set.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task represents a unit of work with dependencies, priority, and a bounded
// retry budget. Structured fields (status, retry counters, dependencies) are
// first-class; Context holds only unstructured annotations that are never
// queried by the scheduler.
type Task struct {
	ID           string
	ParentID     string // Optional parent task for hierarchical work
	ProjectID    string
	Priority     int // Higher is more urgent; boosts are computed lazily, never written back
	Status       Status
	DependsOn    []string // Task IDs that must complete first
	RetryCount   int
	MaxRetries   int
	Critical     bool      // Critical tasks escalate earlier in the decision engine
	Deadline     time.Time // Zero value means no deadline
	Result       string    // Output payload, populated on completion
	Err          error     // Last execution error, populated on failure
	CancelReason string
	Context      map[string]string // Free-form execution annotations
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// transition moves the task to the given status, enforcing the state machine.
func (t *Task) transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Context != nil {
		cp.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
