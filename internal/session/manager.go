// Package session owns the lifecycle of per-iteration execution sessions.
//
// A session is allocated per iteration, never per task: the external agent
// locks any session identifier that is still settling from a previous call,
// so reusing one identifier across rapid retries of the same task causes lock
// contention. Fresh identifiers per iteration sidestep the lock entirely, and
// task-level usage is recovered by aggregating over the task's session rows.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned when a close targets an unknown or already
// closed session. Given the loop structure this should be unreachable; it is
// an invariant violation, never retried.
var ErrSessionClosed = errors.New("session unknown or already closed")

// ErrSessionOpen is returned when an open is attempted while the task already
// has an open session.
var ErrSessionOpen = errors.New("task already has an open session")

// Usage holds the metrics reported by the agent for one iteration.
type Usage struct {
	Tokens int
	Turns  int
	Cost   float64
}

// Record is one session row: the lifetime and usage of a single iteration's
// interaction with the agent. Once Ended is set the record is immutable.
type Record struct {
	ID        string
	TaskID    string
	ProjectID string
	Iteration int
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	Usage     Usage
	Metadata  map[string]string
}

// Open reports whether the session has not been closed yet.
func (r *Record) Open() bool {
	return r.EndedAt.IsZero()
}

// Store is the persistence seam the manager writes sessions through.
type Store interface {
	CreateSession(ctx context.Context, rec *Record) error
	// CloseSession sets the end timestamp and usage on an open session. It
	// must return ErrSessionClosed (wrapped or direct) if the session does
	// not exist or already has an end timestamp.
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time, usage Usage) error
	SessionsForTask(ctx context.Context, taskID string) ([]*Record, error)
}

// Manager creates, closes, and aggregates iteration sessions.
type Manager struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager backed by the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Open allocates a fresh globally-unique session identifier for one iteration
// of the task and persists the open session record. The caller must pass
// exactly this identifier to the agent for this iteration.
func (m *Manager) Open(ctx context.Context, taskID, projectID string, iteration int) (string, error) {
	existing, err := m.store.SessionsForTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("checking open sessions for task %q: %w", taskID, err)
	}
	for _, rec := range existing {
		if rec.Open() {
			return "", fmt.Errorf("task %q session %q: %w", taskID, rec.ID, ErrSessionOpen)
		}
	}

	rec := &Record{
		ID:        m.newID(),
		TaskID:    taskID,
		ProjectID: projectID,
		Iteration: iteration,
		StartedAt: m.now(),
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return "", fmt.Errorf("creating session for task %q: %w", taskID, err)
	}
	return rec.ID, nil
}

// Close records the end timestamp and usage metrics on the session. It must
// be invoked on every exit path of an iteration; WithSession guarantees that.
func (m *Manager) Close(ctx context.Context, sessionID string, usage Usage) error {
	if err := m.store.CloseSession(ctx, sessionID, m.now(), usage); err != nil {
		return fmt.Errorf("closing session %q: %w", sessionID, err)
	}
	return nil
}

// WithSession opens a session, runs fn with its identifier, and closes the
// session with whatever usage fn reported, on success and failure alike. The
// returned error is fn's error; a close failure on an otherwise successful
// iteration is surfaced instead.
func (m *Manager) WithSession(ctx context.Context, taskID, projectID string, iteration int, fn func(sessionID string) (Usage, error)) (err error) {
	sessionID, openErr := m.Open(ctx, taskID, projectID, iteration)
	if openErr != nil {
		return openErr
	}

	var usage Usage
	defer func() {
		// Close on every exit path, including panics unwinding through fn.
		// A fresh context so the close write lands even during shutdown.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if closeErr := m.Close(cctx, sessionID, usage); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	usage, err = fn(sessionID)
	return err
}

// Metrics is the task-level aggregate over all of a task's sessions.
type Metrics struct {
	TaskID                string
	TotalTokens           int
	TotalTurns            int
	TotalCost             float64
	Iterations            int
	AvgTokensPerIteration float64
	Sessions              []*Record
}

// TaskMetrics sums usage across every session linked to the task. It is a
// pure read aggregation over the session rows, so it is always consistent
// with them: each iteration owns exactly one session for its whole lifetime,
// hence nothing is double-counted or dropped.
func (m *Manager) TaskMetrics(ctx context.Context, taskID string) (*Metrics, error) {
	records, err := m.store.SessionsForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading sessions for task %q: %w", taskID, err)
	}

	agg := &Metrics{TaskID: taskID, Sessions: records}
	for _, rec := range records {
		agg.TotalTokens += rec.Usage.Tokens
		agg.TotalTurns += rec.Usage.Turns
		agg.TotalCost += rec.Usage.Cost
		agg.Iterations++
	}
	if agg.Iterations > 0 {
		agg.AvgTokensPerIteration = float64(agg.TotalTokens) / float64(agg.Iterations)
	}
	return agg, nil
}
