package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicIteration  = "iteration"
	TopicDecision   = "decision"
	TopicBreakpoint = "breakpoint"
	TopicProject    = "project"
)

// Event type constants
const (
	EventTypeTaskScheduled       = "task.scheduled"
	EventTypeTaskStarted         = "task.started"
	EventTypeTaskCompleted       = "task.completed"
	EventTypeTaskFailed          = "task.failed"
	EventTypeTaskRetryScheduled  = "task.retry_scheduled"
	EventTypeTaskCancelled       = "task.cancelled"
	EventTypeIterationCompleted  = "iteration.completed"
	EventTypeDecisionMade        = "decision.made"
	EventTypeBreakpointTriggered = "breakpoint.triggered"
	EventTypeBreakpointResolved  = "breakpoint.resolved"
	EventTypeProjectProgress     = "project.progress"
)

// TaskScheduledEvent is published when a task enters the graph.
type TaskScheduledEvent struct {
	ID        string
	ProjectID string
	Priority  int
	DependsOn []string
	Timestamp time.Time
}

func (e TaskScheduledEvent) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduledEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID        string
	ProjectID string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Promoted  []string // dependents that became ready
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Retries   int
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryScheduledEvent is published when a failed task is queued for
// another attempt after a backoff delay.
type TaskRetryScheduledEvent struct {
	ID        string
	Retry     int
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryScheduledEvent) EventType() string { return EventTypeTaskRetryScheduled }
func (e TaskRetryScheduledEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// IterationCompletedEvent is published after a session closes, carrying the
// usage the agent reported for that iteration.
type IterationCompletedEvent struct {
	ID        string // task id
	SessionID string
	Iteration int
	Tokens    int
	Cost      float64
	Timestamp time.Time
}

func (e IterationCompletedEvent) EventType() string { return EventTypeIterationCompleted }
func (e IterationCompletedEvent) TaskID() string    { return e.ID }

// DecisionMadeEvent is published after each routing decision.
type DecisionMadeEvent struct {
	ID          string // task id
	Action      string
	Score       float64
	Explanation string
	Timestamp   time.Time
}

func (e DecisionMadeEvent) EventType() string { return EventTypeDecisionMade }
func (e DecisionMadeEvent) TaskID() string    { return e.ID }

// BreakpointTriggeredEvent is published when a breakpoint fires.
type BreakpointTriggeredEvent struct {
	ID           string // task id, may be empty for project-level breakpoints
	BreakpointID string
	Type         string
	Severity     string
	Timestamp    time.Time
}

func (e BreakpointTriggeredEvent) EventType() string { return EventTypeBreakpointTriggered }
func (e BreakpointTriggeredEvent) TaskID() string    { return e.ID }

// BreakpointResolvedEvent is published when a breakpoint is resolved,
// automatically or by a human.
type BreakpointResolvedEvent struct {
	ID           string // task id
	BreakpointID string
	Auto         bool
	Resolution   string
	Timestamp    time.Time
}

func (e BreakpointResolvedEvent) EventType() string { return EventTypeBreakpointResolved }
func (e BreakpointResolvedEvent) TaskID() string    { return e.ID }

// ProjectProgressEvent is published when task counts change.
type ProjectProgressEvent struct {
	ProjectID string
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e ProjectProgressEvent) EventType() string { return EventTypeProjectProgress }
func (e ProjectProgressEvent) TaskID() string    { return "" }
