// Package decision turns a validated iteration outcome into the next action
// for the orchestration loop, using a confidence-weighted combined score and
// per-category historical success rates.
package decision

import (
	"fmt"
	"strings"
	"sync"
)

// Action is the closed set of choices the engine can make. Modeling it as an
// enumerated type keeps handling exhaustively checkable.
type Action int

const (
	ActionProceed    Action = iota // Accept the result and complete the task
	ActionRetry                    // Re-run the iteration; transient failure with budget left
	ActionClarify                  // Regenerate with guidance / request more information
	ActionEscalate                 // Hand off to the breakpoint manager for a human
	ActionCheckpoint               // Non-failure periodic pause at a milestone
)

// String returns the canonical uppercase name of the action.
func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "PROCEED"
	case ActionRetry:
		return "RETRY"
	case ActionClarify:
		return "CLARIFY"
	case ActionEscalate:
		return "ESCALATE"
	case ActionCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Weights are the sub-score weights of the combined score. They must sum to
// 1.0; NewEngine enforces this.
type Weights struct {
	Confidence        float64
	Validation        float64
	Quality           float64
	InverseComplexity float64
	History           float64
}

// DefaultWeights returns the documented weighting: confidence 0.35,
// validation 0.25, quality 0.25, inverse complexity 0.10, history 0.05.
func DefaultWeights() Weights {
	return Weights{
		Confidence:        0.35,
		Validation:        0.25,
		Quality:           0.25,
		InverseComplexity: 0.10,
		History:           0.05,
	}
}

// Thresholds control action routing on the combined score.
type Thresholds struct {
	Proceed          float64 // at or above: PROCEED
	Escalate         float64 // below: ESCALATE
	CriticalEscalate float64 // escalation floor for critical tasks
}

// DefaultThresholds returns the documented routing: >=0.85 proceed, <0.30
// escalate, with critical tasks escalating below 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{Proceed: 0.85, Escalate: 0.30, CriticalEscalate: 0.50}
}

// Context is the input to one decision.
type Context struct {
	TaskID           string
	Category         string  // task category for historical success tracking
	QualityScore     float64 // overall weighted quality score in [0,1]
	ValidationPassed bool
	Confidence       float64 // estimated confidence in [0,1]
	Complexity       float64 // task complexity estimate in [0,1], higher is harder
	Critical         bool
	TransientFailure bool // the failure looks transient (e.g., fixable formatting)
	RetryBudgetLeft  bool
	MilestoneReached bool // configured milestone boundary hit this iteration
}

// Decision is the value object produced for every call: the chosen action,
// the combined score, the weighted sub-scores, and a reproducible
// human-readable explanation.
type Decision struct {
	Action      Action
	Score       float64
	SubScores   map[string]float64 // weighted contributions by component
	Explanation string
}

// historySize bounds the retained decision audit trail.
const historySize = 1000

// Engine computes decisions. Safe for concurrent use.
type Engine struct {
	weights    Weights
	thresholds Thresholds
	alpha      float64 // EMA smoothing for historical success rates

	mu        sync.Mutex
	rates     map[string]float64 // category -> success-rate EMA
	decisions []Decision         // ring buffer of the last historySize decisions
	next      int
	wrapped   bool
}

// NewEngine creates an Engine. The weights must sum to 1.0.
func NewEngine(weights Weights, thresholds Thresholds, alpha float64) (*Engine, error) {
	sum := weights.Confidence + weights.Validation + weights.Quality +
		weights.InverseComplexity + weights.History
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		return nil, fmt.Errorf("decision weights sum to %v, want 1.0", sum)
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}

	return &Engine{
		weights:    weights,
		thresholds: thresholds,
		alpha:      alpha,
		rates:      make(map[string]float64),
		decisions:  make([]Decision, 0, historySize),
	}, nil
}

// DecideNextAction computes the combined score and routes it to one of the
// five actions. For a fixed context and history state the result is
// deterministic.
func (e *Engine) DecideNextAction(dctx Context) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	validation := 0.0
	if dctx.ValidationPassed {
		validation = 1.0
	}
	rate := e.successRateLocked(dctx.Category)

	subs := map[string]float64{
		"confidence": dctx.Confidence * e.weights.Confidence,
		"validation": validation * e.weights.Validation,
		"quality":    dctx.QualityScore * e.weights.Quality,
		"complexity": (1 - dctx.Complexity) * e.weights.InverseComplexity,
		"history":    rate * e.weights.History,
	}
	score := subs["confidence"] + subs["validation"] + subs["quality"] +
		subs["complexity"] + subs["history"]

	escalateFloor := e.thresholds.Escalate
	if dctx.Critical {
		escalateFloor = e.thresholds.CriticalEscalate
	}

	var action Action
	var reason string
	switch {
	case dctx.MilestoneReached:
		action = ActionCheckpoint
		reason = "milestone boundary reached, pausing regardless of score"
	case score >= e.thresholds.Proceed:
		action = ActionProceed
		reason = fmt.Sprintf("score at or above proceed threshold %.2f", e.thresholds.Proceed)
	case dctx.TransientFailure && dctx.RetryBudgetLeft:
		action = ActionRetry
		reason = "failure looks transient and retry budget remains"
	case score < escalateFloor:
		action = ActionEscalate
		reason = fmt.Sprintf("score below escalation floor %.2f", escalateFloor)
	default:
		action = ActionClarify
		reason = fmt.Sprintf("score between escalation floor %.2f and proceed threshold %.2f",
			escalateFloor, e.thresholds.Proceed)
	}

	d := Decision{
		Action:    action,
		Score:     score,
		SubScores: subs,
		Explanation: explain(action, score, reason, []explained{
			{"confidence", dctx.Confidence, e.weights.Confidence},
			{"validation", validation, e.weights.Validation},
			{"quality", dctx.QualityScore, e.weights.Quality},
			{"inverse complexity", 1 - dctx.Complexity, e.weights.InverseComplexity},
			{"history", rate, e.weights.History},
		}),
	}
	e.recordLocked(d)
	return d
}

type explained struct {
	name   string
	raw    float64
	weight float64
}

// explain renders the reproducible breakdown every decision must carry.
func explain(action Action, score float64, reason string, parts []explained) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (score %.3f): ", action, score)
	for i, p := range parts {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %.2f×%.2f=%.3f", p.name, p.raw, p.weight, p.raw*p.weight)
	}
	b.WriteString("; ")
	b.WriteString(reason)
	return b.String()
}

// RecordOutcome feeds a known task outcome back into the per-category
// success rate via an exponential moving average.
func (e *Engine) RecordOutcome(category string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	old := e.successRateLocked(category)
	e.rates[category] = e.alpha*outcome + (1-e.alpha)*old
}

// SuccessRate returns the current EMA success rate for a category. Unseen
// categories start at 0.5 (no evidence either way).
func (e *Engine) SuccessRate(category string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.successRateLocked(category)
}

func (e *Engine) successRateLocked(category string) float64 {
	if rate, ok := e.rates[category]; ok {
		return rate
	}
	return 0.5
}

// History returns the retained decisions, oldest first, bounded at the ring
// buffer size.
func (e *Engine) History() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.wrapped {
		return append([]Decision(nil), e.decisions...)
	}
	out := make([]Decision, 0, historySize)
	out = append(out, e.decisions[e.next:]...)
	out = append(out, e.decisions[:e.next]...)
	return out
}

func (e *Engine) recordLocked(d Decision) {
	if len(e.decisions) < historySize {
		e.decisions = append(e.decisions, d)
		e.next = len(e.decisions) % historySize
		if e.next == 0 && len(e.decisions) == historySize {
			e.wrapped = true
		}
		return
	}
	e.decisions[e.next] = d
	e.next = (e.next + 1) % historySize
	e.wrapped = true
}
