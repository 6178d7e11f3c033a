package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Store is the persistence seam the scheduler writes through. Writes happen
// after the scheduler's mutex is released, never while it is held.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryPolicy overrides the default retry backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Scheduler) { s.retry = p }
}

// WithDeadlineWindow sets how close a deadline must be before the +2 priority
// boost applies.
func WithDeadlineWindow(d time.Duration) Option {
	return func(s *Scheduler) { s.deadlineWindow = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the task dependency graph, the ready queue, the state
// machine, and the retry policy. All public operations acquire the instance
// mutex; the mutex is never held across store writes or any other blocking
// call.
type Scheduler struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	dependents  map[string][]string // taskID -> tasks that depend on it
	retryTimers map[string]*time.Timer

	retry          RetryPolicy
	deadlineWindow time.Duration
	now            func() time.Time
	store          Store // may be nil
}

// New creates a Scheduler backed by the given store. A nil store keeps the
// scheduler purely in-memory.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:          make(map[string]*Task),
		dependents:     make(map[string][]string),
		retryTimers:    make(map[string]*time.Timer),
		retry:          DefaultRetryPolicy(),
		deadlineWindow: time.Hour,
		now:            time.Now,
		store:          store,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule inserts a task and computes its initial status: READY if its
// dependency list is empty or every dependency is already COMPLETED, BLOCKED
// otherwise. Scheduling is rejected if the task would introduce a dependency
// cycle or depend on itself.
func (s *Scheduler) Schedule(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("schedule: task must have an ID")
	}

	s.mu.Lock()
	dirty, err := s.scheduleLocked(t)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.persist(ctx, dirty)
	return nil
}

func (s *Scheduler) scheduleLocked(t *Task) (*Task, error) {
	if _, exists := s.tasks[t.ID]; exists {
		return nil, fmt.Errorf("schedule: task %q already exists", t.ID)
	}
	for _, depID := range t.DependsOn {
		if depID == t.ID {
			return nil, &DependencyError{TaskID: t.ID, Cycle: []string{t.ID, t.ID}}
		}
	}

	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = StatusPending
	s.tasks[t.ID] = t

	// Cycle check before the task is allowed anywhere near READY.
	if cycle := s.detectCycleLocked(t.ProjectID); len(cycle) > 0 {
		delete(s.tasks, t.ID)
		return nil, &DependencyError{TaskID: t.ID, Cycle: cycle}
	}

	for _, depID := range t.DependsOn {
		s.dependents[depID] = append(s.dependents[depID], t.ID)
	}

	target := StatusReady
	if !s.dependenciesSatisfiedLocked(t) {
		target = StatusBlocked
	}
	if err := t.transition(target, now); err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// dependenciesSatisfiedLocked reports whether every dependency exists and is
// COMPLETED. A dependency that has not been scheduled yet counts as
// unsatisfied; ResolveDependencies surfaces it as a dependency error.
func (s *Scheduler) dependenciesSatisfiedLocked(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, exists := s.tasks[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetNextTask pops the highest-priority READY task for the project and moves
// it to RUNNING. Priority boosts (+2 near deadline, +1 if other tasks depend
// on it, -1 per retry) are recomputed here on every call and never written
// back to the stored priority. Ties break on earliest creation time. Returns
// (nil, nil) when no task is ready.
func (s *Scheduler) GetNextTask(ctx context.Context, projectID string) (*Task, error) {
	s.mu.Lock()
	q := &readyQueue{}
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.Status != StatusReady {
			continue
		}
		q.entries = append(q.entries, readyEntry{
			id:        t.ID,
			priority:  s.effectivePriorityLocked(t),
			createdAt: t.CreatedAt,
		})
	}
	if len(q.entries) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	heap.Init(q)
	top := heap.Pop(q).(readyEntry)

	task := s.tasks[top.id]
	if err := task.transition(StatusRunning, s.now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	dirty := cloneTask(task)
	s.mu.Unlock()

	s.persist(ctx, dirty)
	return dirty, nil
}

func (s *Scheduler) effectivePriorityLocked(t *Task) int {
	p := t.Priority
	if !t.Deadline.IsZero() && t.Deadline.Sub(s.now()) <= s.deadlineWindow {
		p += 2
	}
	if len(s.dependents[t.ID]) > 0 {
		p++
	}
	p -= t.RetryCount
	return p
}

// MarkComplete sets the task COMPLETED, stores its result, and promotes every
// BLOCKED dependent whose dependency list is now fully satisfied. Promotion is
// atomic with the completion write: no caller observes the task as COMPLETED
// without its dependents re-evaluated. Returns the IDs of promoted tasks.
func (s *Scheduler) MarkComplete(ctx context.Context, taskID, result string) ([]string, error) {
	s.mu.Lock()
	task, exists := s.tasks[taskID]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("mark complete: %w: %q", ErrTaskNotFound, taskID)
	}
	if err := task.transition(StatusCompleted, s.now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	task.Result = result

	dirty := []*Task{cloneTask(task)}
	var promoted []string
	for _, depID := range s.dependents[taskID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != StatusBlocked {
			continue
		}
		if !s.dependenciesSatisfiedLocked(dep) {
			continue
		}
		if err := dep.transition(StatusReady, s.now()); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		promoted = append(promoted, depID)
		dirty = append(dirty, cloneTask(dep))
	}
	s.mu.Unlock()

	s.persist(ctx, dirty...)
	return promoted, nil
}

// MarkFailed records a failure. While retry budget remains it increments the
// retry count, transitions FAILED -> RETRY_SCHEDULED, arms a timer that
// promotes the task back to READY once the backoff delay elapses, and returns
// (delay, true). The timer map doubles as the duplicate-submission guard: a
// task with an armed timer is never scheduled for retry twice. Once the budget
// is exhausted the task stays FAILED (terminal) with the error recorded.
func (s *Scheduler) MarkFailed(ctx context.Context, taskID string, taskErr error) (time.Duration, bool, error) {
	s.mu.Lock()
	task, exists := s.tasks[taskID]
	if !exists {
		s.mu.Unlock()
		return 0, false, fmt.Errorf("mark failed: %w: %q", ErrTaskNotFound, taskID)
	}
	if err := task.transition(StatusFailed, s.now()); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	task.Err = taskErr

	if task.RetryCount >= task.MaxRetries {
		dirty := cloneTask(task)
		s.mu.Unlock()
		s.persist(ctx, dirty)
		return 0, false, nil
	}

	if _, armed := s.retryTimers[taskID]; armed {
		// A retry is already in flight for this task; don't double-submit.
		s.mu.Unlock()
		return 0, false, nil
	}

	delay := s.retry.Delay(task.RetryCount)
	task.RetryCount++
	if err := task.transition(StatusRetryScheduled, s.now()); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	s.retryTimers[taskID] = time.AfterFunc(delay, func() { s.promoteRetry(taskID) })

	dirty := cloneTask(task)
	s.mu.Unlock()
	s.persist(ctx, dirty)
	return delay, true, nil
}

// promoteRetry fires when a retry backoff delay elapses.
func (s *Scheduler) promoteRetry(taskID string) {
	s.mu.Lock()
	delete(s.retryTimers, taskID)
	task, exists := s.tasks[taskID]
	if !exists || task.Status != StatusRetryScheduled {
		// Cancelled while waiting out the backoff.
		s.mu.Unlock()
		return
	}
	if err := task.transition(StatusReady, s.now()); err != nil {
		s.mu.Unlock()
		log.Printf("ERROR: retry promotion for task %q: %v", taskID, err)
		return
	}
	dirty := cloneTask(task)
	s.mu.Unlock()

	s.persist(context.Background(), dirty)
}

// CancelTask forces any non-terminal task to CANCELLED, recording the reason.
// It does not cascade: dependents remain BLOCKED and are surfaced via
// BlockedTasks.
func (s *Scheduler) CancelTask(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	task, exists := s.tasks[taskID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("cancel: %w: %q", ErrTaskNotFound, taskID)
	}
	if err := task.transition(StatusCancelled, s.now()); err != nil {
		s.mu.Unlock()
		return err
	}
	task.CancelReason = reason
	if timer, armed := s.retryTimers[taskID]; armed {
		timer.Stop()
		delete(s.retryTimers, taskID)
	}
	dirty := cloneTask(task)
	s.mu.Unlock()

	s.persist(ctx, dirty)
	return nil
}

// ReadyTasks returns clones of all READY tasks for the project, ordered by
// effective priority (highest first).
func (s *Scheduler) ReadyTasks(projectID string) []*Task {
	return s.tasksInStatus(projectID, StatusReady)
}

// BlockedTasks returns clones of all BLOCKED tasks for the project.
func (s *Scheduler) BlockedTasks(projectID string) []*Task {
	return s.tasksInStatus(projectID, StatusBlocked)
}

func (s *Scheduler) tasksInStatus(projectID string, status Status) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*Task{}
	for _, t := range s.tasks {
		if t.ProjectID == projectID && t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := s.effectivePriorityLocked(out[i]), s.effectivePriorityLocked(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TaskStatus returns the current status of a task.
func (s *Scheduler) TaskStatus(taskID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return 0, fmt.Errorf("status: %w: %q", ErrTaskNotFound, taskID)
	}
	return task.Status, nil
}

// Get returns a clone of the task.
func (s *Scheduler) Get(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns clones of all tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// Stop cancels all armed retry timers. Tasks in RETRY_SCHEDULED stay there;
// a restarted scheduler re-arms from persisted state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
}

// persist writes task snapshots through to the store, outside the mutex.
// Store failures are logged, not propagated: the in-memory graph is the
// source of truth for scheduling decisions.
func (s *Scheduler) persist(ctx context.Context, tasks ...*Task) {
	if s.store == nil {
		return
	}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if err := s.store.SaveTask(ctx, t); err != nil {
			log.Printf("WARNING: failed to persist task %q: %v", t.ID, err)
		}
	}
}

// readyQueue is a max-heap over ready tasks keyed on effective priority, ties
// broken by earliest creation time. It is rebuilt on every GetNextTask call
// because boosts are recomputed lazily.
type readyQueue struct {
	entries []readyEntry
}

type readyEntry struct {
	id        string
	priority  int
	createdAt time.Time
}

func (q *readyQueue) Len() int { return len(q.entries) }

func (q *readyQueue) Less(i, j int) bool {
	if q.entries[i].priority != q.entries[j].priority {
		return q.entries[i].priority > q.entries[j].priority
	}
	return q.entries[i].createdAt.Before(q.entries[j].createdAt)
}

func (q *readyQueue) Swap(i, j int) { q.entries[i], q.entries[j] = q.entries[j], q.entries[i] }

func (q *readyQueue) Push(x any) { q.entries = append(q.entries, x.(readyEntry)) }

func (q *readyQueue) Pop() any {
	old := q.entries
	n := len(old)
	entry := old[n-1]
	q.entries = old[:n-1]
	return entry
}
