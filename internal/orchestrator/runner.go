// Package orchestrator drives the autonomous iteration loop: it pulls ready
// tasks from the scheduler, invokes the agent once per iteration under a
// fresh session, gates the output through the quality controller, and routes
// the verdict through the decision engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/agent"
	"github.com/taskpilotlabs/taskpilot/internal/breakpoint"
	"github.com/taskpilotlabs/taskpilot/internal/decision"
	"github.com/taskpilotlabs/taskpilot/internal/events"
	"github.com/taskpilotlabs/taskpilot/internal/quality"
	"github.com/taskpilotlabs/taskpilot/internal/scheduler"
	"github.com/taskpilotlabs/taskpilot/internal/session"
)

// errQualityGate marks an iteration whose output failed the quality gate.
var errQualityGate = errors.New("output failed quality gate")

// RunnerConfig configures the iteration loop.
type RunnerConfig struct {
	ProjectID         string
	AgentName         string        // circuit breaker key, e.g. "claude"
	Retry             RetryConfig   // inner retry around each agent call
	MilestoneInterval int           // iterations between checkpoints (0 disables)
	MaxIterations     int           // per-task iteration cap (default 10)
	PollInterval      time.Duration // wait when nothing is ready yet (default 100ms)
}

// Deps are the injected collaborators.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Sessions    *session.Manager
	Agent       agent.Agent
	Quality     *quality.Controller
	Decisions   *decision.Engine
	Breakpoints *breakpoint.Manager
	Bus         *events.Bus
}

// TaskReport is the final outcome of one task's run through the loop.
type TaskReport struct {
	TaskID       string
	Status       scheduler.Status
	Iterations   int
	LastDecision decision.Decision
	Err          error
}

// Runner executes tasks one at a time in dependency order.
type Runner struct {
	cfg  RunnerConfig
	deps Deps

	breakers   *CircuitBreakerRegistry
	validators []quality.Validator

	mu         sync.Mutex
	failStreak map[string]int
}

// NewRunner creates a runner. Validators are optional; when present they
// cross-validate critical task output.
func NewRunner(cfg RunnerConfig, deps Deps, validators ...quality.Validator) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "claude"
	}

	return &Runner{
		cfg:        cfg,
		deps:       deps,
		breakers:   NewCircuitBreakerRegistry(),
		validators: validators,
		failStreak: make(map[string]int),
	}
}

// Run drains the project's task graph. It returns when every task has
// reached a terminal state or nothing can make progress anymore.
func (r *Runner) Run(ctx context.Context) ([]TaskReport, error) {
	var reports []TaskReport

	for {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		task, err := r.deps.Scheduler.GetNextTask(ctx, r.cfg.ProjectID)
		if err != nil {
			return reports, fmt.Errorf("pulling next task: %w", err)
		}
		if task == nil {
			if !r.pendingWork() {
				break
			}
			// A retry timer will promote something shortly; wait out of
			// any lock.
			select {
			case <-ctx.Done():
				return reports, ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		report := r.executeTask(ctx, task)
		reports = append(reports, report)
		r.publishProgress()

		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
	}

	return reports, nil
}

// pendingWork reports whether any task can still reach the running state
// without outside intervention.
func (r *Runner) pendingWork() bool {
	for _, t := range r.deps.Scheduler.Tasks() {
		if t.ProjectID != r.cfg.ProjectID {
			continue
		}
		switch t.Status {
		case scheduler.StatusReady, scheduler.StatusRunning, scheduler.StatusRetryScheduled:
			return true
		}
	}
	return false
}

// executeTask iterates on one task until a terminal decision.
func (r *Runner) executeTask(ctx context.Context, task *scheduler.Task) TaskReport {
	report := TaskReport{TaskID: task.ID, Status: scheduler.StatusRunning}
	started := time.Now()
	cb := r.breakers.Get(r.cfg.AgentName)
	var clarifications []string

	// Earlier scheduler-level attempts already wrote session rows; continue
	// their numbering so the audit trail stays strictly ordered. The
	// iteration cap below still applies per attempt.
	prior := r.priorIterations(ctx, task.ID)

	r.deps.Bus.Publish(events.TaskStartedEvent{
		ID: task.ID, ProjectID: task.ProjectID, Timestamp: started,
	})

	for iteration := 1; ; iteration++ {
		report.Iterations = iteration

		if iteration > r.cfg.MaxIterations {
			reason := fmt.Sprintf("no passing result after %d iterations", r.cfg.MaxIterations)
			r.cancelTask(ctx, task.ID, reason, &report)
			report.Err = errors.New(reason)
			return report
		}

		var resp agent.Response
		prompt := r.buildPrompt(task, clarifications)
		invErr := r.deps.Sessions.WithSession(ctx, task.ID, r.cfg.ProjectID, prior+iteration, func(sessionID string) (session.Usage, error) {
			res, err := invokeWithRetry(ctx, r.deps.Agent, agent.Request{Prompt: prompt, SessionID: sessionID}, cb, r.cfg.Retry)
			if err != nil {
				return session.Usage{}, err
			}
			resp = res
			return session.Usage{Tokens: res.Usage.Tokens, Turns: res.Usage.Turns, Cost: res.Usage.Cost}, nil
		})

		// Cancellation check after the agent call: the task may have been
		// cancelled externally while the subprocess ran.
		if done := r.checkInterrupted(ctx, task.ID, &report); done {
			return report
		}

		if invErr != nil {
			if finished := r.handleInvocationFailure(ctx, task, invErr, &report); finished {
				return report
			}
			continue
		}

		r.deps.Bus.Publish(events.IterationCompletedEvent{
			ID: task.ID, SessionID: resp.SessionID, Iteration: prior + iteration,
			Tokens: resp.Usage.Tokens, Cost: resp.Usage.Cost,
			Timestamp: time.Now(),
		})

		result, spread := r.validate(ctx, task, resp.Content)

		// Second cancellation check, after validation.
		if done := r.checkInterrupted(ctx, task.ID, &report); done {
			return report
		}

		milestone := r.cfg.MilestoneInterval > 0 && iteration%r.cfg.MilestoneInterval == 0

		if stop := r.raiseBreakpoints(ctx, task, result, spread, milestone, &report); stop {
			return report
		}

		cur, ok := r.deps.Scheduler.Get(task.ID)
		if !ok {
			report.Err = fmt.Errorf("task %q: %w", task.ID, scheduler.ErrTaskNotFound)
			return report
		}

		d := r.deps.Decisions.DecideNextAction(decision.Context{
			TaskID:           task.ID,
			Category:         task.Context["category"],
			QualityScore:     result.Overall,
			ValidationPassed: result.Passed,
			Confidence:       result.Overall,
			Complexity:       taskComplexity(task),
			Critical:         task.Critical,
			TransientFailure: result.Retryable,
			RetryBudgetLeft:  cur.RetryCount < cur.MaxRetries,
			MilestoneReached: milestone,
		})
		report.LastDecision = d
		r.publishDecision(task.ID, d)

		switch d.Action {
		case decision.ActionProceed:
			r.completeTask(ctx, task, resp.Content, started, &report)
			return report

		case decision.ActionCheckpoint:
			// Snapshot is already persisted by the quality gate; keep
			// iterating on the same task.
			continue

		case decision.ActionClarify:
			r.bumpStreak(task.ID)
			clarifications = append(clarifications, clarifyNote(result))
			continue

		case decision.ActionRetry:
			r.bumpStreak(task.ID)
			gateErr := fmt.Errorf("%w: overall %.2f", errQualityGate, result.Overall)
			if finished := r.failTask(ctx, task.ID, gateErr, &report); finished {
				return report
			}
			// Retry scheduled; the loop resumes the task after the delay.
			report.Status = scheduler.StatusRetryScheduled
			return report

		case decision.ActionEscalate:
			r.escalate(ctx, task, result, &report)
			return report
		}
	}
}

// handleInvocationFailure routes an agent invocation error. Returns true when
// the task left the running state and the iteration loop should stop.
func (r *Runner) handleInvocationFailure(ctx context.Context, task *scheduler.Task, invErr error, report *TaskReport) bool {
	r.bumpStreak(task.ID)
	log.Printf("WARNING: agent invocation failed for task %q: %v", task.ID, invErr)

	cur, ok := r.deps.Scheduler.Get(task.ID)
	if !ok {
		report.Err = invErr
		return true
	}

	d := r.deps.Decisions.DecideNextAction(decision.Context{
		TaskID:           task.ID,
		Category:         task.Context["category"],
		Complexity:       taskComplexity(task),
		Critical:         task.Critical,
		TransientFailure: !errors.Is(invErr, agent.ErrSessionMismatch),
		RetryBudgetLeft:  cur.RetryCount < cur.MaxRetries,
	})
	report.LastDecision = d
	r.publishDecision(task.ID, d)

	if d.Action == decision.ActionRetry {
		if finished := r.failTask(ctx, task.ID, invErr, report); finished {
			return true
		}
		report.Status = scheduler.StatusRetryScheduled
		return true
	}

	// No retry budget or a fatal error class: escalate.
	r.escalateFailure(ctx, task, invErr, report)
	return true
}

// failTask marks the task failed and publishes the resulting state. Returns
// true when the failure was terminal (budget exhausted).
func (r *Runner) failTask(ctx context.Context, taskID string, cause error, report *TaskReport) bool {
	delay, retrying, err := r.deps.Scheduler.MarkFailed(ctx, taskID, cause)
	if err != nil {
		log.Printf("ERROR: failed to mark task %q failed: %v", taskID, err)
		report.Err = err
		return true
	}

	cur, _ := r.deps.Scheduler.Get(taskID)
	if retrying {
		r.deps.Bus.Publish(events.TaskRetryScheduledEvent{
			ID: taskID, Retry: cur.RetryCount, Delay: delay, Timestamp: time.Now(),
		})
		return false
	}

	r.recordOutcome(cur, false)
	r.deps.Bus.Publish(events.TaskFailedEvent{
		ID: taskID, Err: cause, Retries: cur.RetryCount, Timestamp: time.Now(),
	})
	report.Status = scheduler.StatusFailed
	report.Err = cause
	return true
}

// completeTask finishes a task and publishes the promotions it unlocked.
func (r *Runner) completeTask(ctx context.Context, task *scheduler.Task, output string, started time.Time, report *TaskReport) {
	promoted, err := r.deps.Scheduler.MarkComplete(ctx, task.ID, output)
	if err != nil {
		log.Printf("ERROR: failed to mark task %q complete: %v", task.ID, err)
		report.Err = err
		return
	}

	r.resetStreak(task.ID)
	r.recordOutcome(task, true)
	r.deps.Bus.Publish(events.TaskCompletedEvent{
		ID: task.ID, Result: output, Promoted: promoted,
		Duration: time.Since(started), Timestamp: time.Now(),
	})
	report.Status = scheduler.StatusCompleted
}

// escalate hands a low-scoring task to a human via the breakpoint manager and
// removes it from the run.
func (r *Runner) escalate(ctx context.Context, task *scheduler.Task, result *quality.Result, report *TaskReport) {
	bctx := breakpoint.Context{
		TaskID:     task.ID,
		ProjectID:  task.ProjectID,
		Confidence: result.Overall,
	}
	ev, err := r.deps.Breakpoints.Trigger(ctx, breakpoint.TypeLowConfidence, bctx)
	if err != nil {
		log.Printf("ERROR: failed to trigger escalation breakpoint for task %q: %v", task.ID, err)
	} else {
		r.publishBreakpoint(task.ID, ev)
	}

	r.recordOutcome(task, false)
	reason := fmt.Sprintf("escalated for human review (score %.2f)", result.Overall)
	r.cancelTask(ctx, task.ID, reason, report)
	report.Err = errors.New(reason)
}

// escalateFailure is the invocation-error variant of escalate.
func (r *Runner) escalateFailure(ctx context.Context, task *scheduler.Task, cause error, report *TaskReport) {
	bctx := breakpoint.Context{
		TaskID:              task.ID,
		ProjectID:           task.ProjectID,
		ConsecutiveFailures: r.streak(task.ID),
	}
	ev, err := r.deps.Breakpoints.Trigger(ctx, breakpoint.TypeConsecutiveFailures, bctx)
	if err != nil {
		log.Printf("ERROR: failed to trigger escalation breakpoint for task %q: %v", task.ID, err)
	} else {
		r.publishBreakpoint(task.ID, ev)
	}

	r.recordOutcome(task, false)
	r.cancelTask(ctx, task.ID, fmt.Sprintf("escalated after agent failure: %v", cause), report)
	report.Err = cause
}

// validate runs the quality gate and, for critical tasks with validators
// configured, the cross-validation pass. Returns the gate result and the
// validator disagreement spread.
func (r *Runner) validate(ctx context.Context, task *scheduler.Task, output string) (*quality.Result, float64) {
	info := quality.TaskInfo{
		ID:           task.ID,
		ProjectID:    task.ProjectID,
		Requirements: requirements(task),
		Critical:     task.Critical,
	}
	result := r.deps.Quality.ValidateOutput(ctx, output, info)

	spread := 0.0
	if task.Critical && len(r.validators) > 0 {
		cross := r.deps.Quality.CrossValidate(ctx, output, info, r.validators)
		spread = scoreSpread(cross.Scores)
	}
	return result, spread
}

// raiseBreakpoints evaluates the rule catalog against the iteration outcome
// and triggers matched breakpoints. Returns true when a critical breakpoint
// is pending and the task must stop.
func (r *Runner) raiseBreakpoints(ctx context.Context, task *scheduler.Task, result *quality.Result, spread float64, milestone bool, report *TaskReport) bool {
	bctx := breakpoint.Context{
		TaskID:              task.ID,
		ProjectID:           task.ProjectID,
		Confidence:          result.Overall,
		ConsecutiveFailures: r.streak(task.ID),
		ValidatorSpread:     spread,
		MilestoneReached:    milestone,
	}

	for _, typ := range r.deps.Breakpoints.Evaluate(bctx) {
		// The decision engine owns low-confidence escalation; raising it
		// here too would double-report every weak iteration.
		if typ == breakpoint.TypeLowConfidence {
			continue
		}

		ev, err := r.deps.Breakpoints.Trigger(ctx, typ, bctx)
		if err != nil {
			log.Printf("ERROR: failed to trigger breakpoint %s for task %q: %v", typ, task.ID, err)
			continue
		}
		r.publishBreakpoint(task.ID, ev)

		if ev.Status == breakpoint.StatusPending && ev.Severity == breakpoint.SeverityCritical {
			r.recordOutcome(task, false)
			reason := fmt.Sprintf("blocked on breakpoint %s (%s)", ev.ID, ev.Type)
			r.cancelTask(ctx, task.ID, reason, report)
			report.Err = errors.New(reason)
			return true
		}
	}
	return false
}

// checkInterrupted handles shutdown and external cancellation between the
// expensive stages of an iteration.
func (r *Runner) checkInterrupted(ctx context.Context, taskID string, report *TaskReport) bool {
	if status, err := r.deps.Scheduler.TaskStatus(taskID); err == nil && status == scheduler.StatusCancelled {
		report.Status = scheduler.StatusCancelled
		return true
	}
	if err := ctx.Err(); err != nil {
		r.cancelTask(ctx, taskID, "shutdown", report)
		report.Err = err
		return true
	}
	return false
}

func (r *Runner) cancelTask(ctx context.Context, taskID, reason string, report *TaskReport) {
	// Use a fresh context so cancellation persists during shutdown.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.deps.Scheduler.CancelTask(cctx, taskID, reason); err != nil {
		log.Printf("ERROR: failed to cancel task %q: %v", taskID, err)
	}
	r.deps.Bus.Publish(events.TaskCancelledEvent{
		ID: taskID, Reason: reason, Timestamp: time.Now(),
	})
	report.Status = scheduler.StatusCancelled
}

func (r *Runner) recordOutcome(task *scheduler.Task, success bool) {
	if task == nil {
		return
	}
	r.deps.Decisions.RecordOutcome(task.Context["category"], success)
	if success {
		r.resetStreak(task.ID)
	}
}

func (r *Runner) publishDecision(taskID string, d decision.Decision) {
	r.deps.Bus.Publish(events.DecisionMadeEvent{
		ID: taskID, Action: d.Action.String(), Score: d.Score,
		Explanation: d.Explanation, Timestamp: time.Now(),
	})
}

func (r *Runner) publishBreakpoint(taskID string, ev *breakpoint.Event) {
	r.deps.Bus.Publish(events.BreakpointTriggeredEvent{
		ID: taskID, BreakpointID: ev.ID, Type: string(ev.Type),
		Severity: string(ev.Severity), Timestamp: ev.TriggeredAt,
	})
	if ev.Status == breakpoint.StatusAutoResolved {
		r.deps.Bus.Publish(events.BreakpointResolvedEvent{
			ID: taskID, BreakpointID: ev.ID, Auto: true,
			Resolution: ev.Resolution, Timestamp: ev.ResolvedAt,
		})
	}
}

func (r *Runner) publishProgress() {
	counts := events.ProjectProgressEvent{ProjectID: r.cfg.ProjectID, Timestamp: time.Now()}
	for _, t := range r.deps.Scheduler.Tasks() {
		if t.ProjectID != r.cfg.ProjectID {
			continue
		}
		counts.Total++
		switch t.Status {
		case scheduler.StatusCompleted:
			counts.Completed++
		case scheduler.StatusRunning:
			counts.Running++
		case scheduler.StatusFailed, scheduler.StatusCancelled:
			counts.Failed++
		default:
			counts.Pending++
		}
	}
	r.deps.Bus.Publish(counts)
}

// priorIterations counts the session rows earlier attempts already consumed.
func (r *Runner) priorIterations(ctx context.Context, taskID string) int {
	metrics, err := r.deps.Sessions.TaskMetrics(ctx, taskID)
	if err != nil {
		log.Printf("WARNING: failed to load session history for task %q: %v", taskID, err)
		return 0
	}
	return metrics.Iterations
}

func (r *Runner) streak(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failStreak[taskID]
}

func (r *Runner) bumpStreak(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failStreak[taskID]++
}

func (r *Runner) resetStreak(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failStreak, taskID)
}

// buildPrompt assembles the iteration prompt from the task's description and
// any clarifications accumulated in earlier iterations.
func (r *Runner) buildPrompt(task *scheduler.Task, clarifications []string) string {
	base := task.Context["prompt"]
	if base == "" {
		base = "Complete task " + task.ID
	}
	if len(clarifications) == 0 {
		return base
	}
	return base + "\n\nFeedback from earlier attempts:\n- " + strings.Join(clarifications, "\n- ")
}

// clarifyNote renders the gate verdict into feedback for the next iteration.
func clarifyNote(result *quality.Result) string {
	note := fmt.Sprintf("previous output scored %.2f", result.Overall)
	if len(result.Suggestions) > 0 {
		note += "; " + strings.Join(result.Suggestions, "; ")
	}
	return note
}

// requirements splits the task's requirement annotation into gate inputs.
func requirements(task *scheduler.Task) []string {
	raw := task.Context["requirements"]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// taskComplexity reads the complexity estimate from the task annotations,
// defaulting to the middle of the range.
func taskComplexity(task *scheduler.Task) float64 {
	raw := task.Context["complexity"]
	if raw == "" {
		return 0.5
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0.5
	}
	return v
}

// scoreSpread is the max disagreement between validator scores.
func scoreSpread(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return max - min
}
