// Package quality scores produced artifacts against a weighted multi-stage
// pipeline and evaluates the quality gate an artifact must clear before a
// PROCEED decision is possible.
package quality

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stage identifies one scoring stage of the pipeline.
type Stage string

const (
	StageSyntax       Stage = "syntax"       // structural validity, no unresolved placeholders
	StageRequirements Stage = "requirements" // coverage of the task's stated requirements
	StageQuality      Stage = "quality"      // error handling, documentation, naming
	StageTesting      Stage = "testing"      // presence of tests, assertions, edge cases
)

// stageOrder fixes the reporting order of the four stages.
var stageOrder = []Stage{StageSyntax, StageRequirements, StageQuality, StageTesting}

// TaskInfo carries the task context the scorers need. The orchestration loop
// maps its task type onto this.
type TaskInfo struct {
	ID           string
	ProjectID    string
	Requirements []string
	Critical     bool
}

// Scorer scores one stage of an output in [0,1]. Scorers are pluggable; the
// built-in heuristics can be replaced per stage.
type Scorer func(output string, task TaskInfo) (float64, error)

// Result is the outcome of running the full pipeline over one artifact.
type Result struct {
	StageScores map[Stage]float64
	Overall     float64 // weighted sum in [0,1]
	Passed      bool    // gate verdict
	Retryable   bool    // failed on structure alone; a fresh attempt tends to fix it
	Suggestions []string
}

// Snapshot is a persisted overall score, used for regression checks and
// trend classification.
type Snapshot struct {
	ProjectID string
	TaskID    string
	Overall   float64
	CreatedAt time.Time
}

// SnapshotStore persists score snapshots. A nil store disables history.
type SnapshotStore interface {
	SaveQualitySnapshot(ctx context.Context, snap Snapshot) error
	QualitySnapshots(ctx context.Context, projectID string, since time.Time) ([]Snapshot, error)
}

// Config holds the gate tunables.
type Config struct {
	MinOverall  float64           // gate minimum on the weighted score
	BlockingBar float64           // per-stage minimum for the blocking stages
	Weights     map[Stage]float64 // must sum to 1.0
}

// DefaultConfig returns the documented defaults: 0.70 gate, 0.50 blocking
// bar, weights 20/30/30/20.
func DefaultConfig() Config {
	return Config{
		MinOverall:  0.70,
		BlockingBar: 0.50,
		Weights: map[Stage]float64{
			StageSyntax:       0.20,
			StageRequirements: 0.30,
			StageQuality:      0.30,
			StageTesting:      0.20,
		},
	}
}

// Controller runs the scoring pipeline. Syntax and Requirements are blocking
// stages: each must individually clear the bar for the gate to pass. Quality
// and Testing only drag the weighted overall score.
type Controller struct {
	cfg     Config
	scorers map[Stage]Scorer
	store   SnapshotStore
	now     func() time.Time
}

// NewController creates a Controller with the built-in heuristic scorers.
// The weights must sum to 1.0.
func NewController(cfg Config, store SnapshotStore) (*Controller, error) {
	var sum float64
	for _, stage := range stageOrder {
		w, ok := cfg.Weights[stage]
		if !ok {
			return nil, fmt.Errorf("quality config missing weight for stage %q", stage)
		}
		sum += w
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		return nil, fmt.Errorf("quality stage weights sum to %v, want 1.0", sum)
	}

	return &Controller{
		cfg: cfg,
		scorers: map[Stage]Scorer{
			StageSyntax:       scoreSyntax,
			StageRequirements: scoreRequirements,
			StageQuality:      scoreArtifactQuality,
			StageTesting:      scoreTesting,
		},
		store: store,
		now:   time.Now,
	}, nil
}

// SetScorer replaces the scorer for one stage.
func (c *Controller) SetScorer(stage Stage, scorer Scorer) {
	c.scorers[stage] = scorer
}

// ValidateOutput runs all four stages, computes the weighted overall score,
// and evaluates the gate. A scorer error or panic degrades that stage to a
// zero score instead of failing the pipeline; only store failures for the
// history snapshot are swallowed (logged), never scoring itself.
func (c *Controller) ValidateOutput(ctx context.Context, output string, task TaskInfo) *Result {
	result := &Result{StageScores: make(map[Stage]float64, len(stageOrder))}

	for _, stage := range stageOrder {
		score := c.runScorer(stage, output, task)
		result.StageScores[stage] = score
		result.Overall += score * c.cfg.Weights[stage]
	}

	result.Passed = result.Overall >= c.cfg.MinOverall &&
		result.StageScores[StageSyntax] >= c.cfg.BlockingBar &&
		result.StageScores[StageRequirements] >= c.cfg.BlockingBar
	// A rejection where requirement coverage cleared the bar but the
	// structural stage did not is a formatting-class failure: worth burning
	// a retry on before asking for clarification.
	result.Retryable = !result.Passed &&
		result.StageScores[StageSyntax] < c.cfg.BlockingBar &&
		result.StageScores[StageRequirements] >= c.cfg.BlockingBar
	result.Suggestions = c.SuggestImprovements(result)

	if c.store != nil {
		snap := Snapshot{
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Overall:   result.Overall,
			CreatedAt: c.now(),
		}
		if err := c.store.SaveQualitySnapshot(ctx, snap); err != nil {
			log.Printf("WARNING: failed to persist quality snapshot for task %q: %v", task.ID, err)
		}
	}

	return result
}

// runScorer executes one stage scorer, converting errors and panics into a
// degraded zero score.
func (c *Controller) runScorer(stage Stage, output string, task TaskInfo) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: %s scorer panicked for task %q: %v", stage, task.ID, r)
			score = 0
		}
	}()

	scorer, ok := c.scorers[stage]
	if !ok {
		return 0
	}
	s, err := scorer(output, task)
	if err != nil {
		log.Printf("WARNING: %s scorer failed for task %q, degrading to 0: %v", stage, task.ID, err)
		return 0
	}
	return clamp01(s)
}

// Validator is an independent scoring function used for cross-validation.
type Validator func(ctx context.Context, output string, task TaskInfo) (float64, error)

// CrossResult aggregates the verdicts of multiple independent validators.
type CrossResult struct {
	Scores       []float64
	Min          float64
	Mean         float64
	MajorityPass bool // more than half of the validators scored >= threshold
}

// CrossValidate runs the validators concurrently over the same output and
// aggregates their verdicts. A validator error degrades that validator to a
// zero score rather than failing the whole aggregation.
func (c *Controller) CrossValidate(ctx context.Context, output string, task TaskInfo, validators []Validator) *CrossResult {
	scores := make([]float64, len(validators))

	g, gctx := errgroup.WithContext(ctx)
	for i, validate := range validators {
		i, validate := i, validate
		g.Go(func() error {
			score, err := validate(gctx, output, task)
			if err != nil {
				log.Printf("WARNING: cross-validator %d failed, degrading to 0: %v", i, err)
				score = 0
			}
			scores[i] = clamp01(score)
			return nil
		})
	}
	_ = g.Wait() // validators never return errors, only degraded scores

	result := &CrossResult{Scores: scores, Min: 1}
	if len(scores) == 0 {
		result.Min = 0
		return result
	}
	passing := 0
	var sum float64
	for _, s := range scores {
		sum += s
		if s < result.Min {
			result.Min = s
		}
		if s >= c.cfg.MinOverall {
			passing++
		}
	}
	result.Mean = sum / float64(len(scores))
	result.MajorityPass = passing*2 > len(scores)
	return result
}

// CheckRegression flags a regression when the current overall score is more
// than 10% below the historical baseline.
func (c *Controller) CheckRegression(current, baseline float64) bool {
	if baseline <= 0 {
		return false
	}
	return current < baseline*0.90
}

// SuggestImprovements derives actionable suggestions from which stages scored
// low. Rule-driven, not generated: the same scores always yield the same
// suggestions.
func (c *Controller) SuggestImprovements(result *Result) []string {
	var suggestions []string
	rules := []struct {
		stage Stage
		below float64
		text  string
	}{
		{StageSyntax, c.cfg.BlockingBar, "resolve placeholders and fix structural issues before resubmitting"},
		{StageRequirements, c.cfg.BlockingBar, "cover every stated requirement; partial implementations are rejected"},
		{StageRequirements, 0.90, "double-check requirement coverage against the task description"},
		{StageQuality, 0.60, "add error handling and documentation for the main code paths"},
		{StageTesting, 0.60, "add tests with assertions, including edge cases"},
		{StageTesting, 0.30, "no meaningful tests detected; add a test suite"},
	}

	seenStage := map[Stage]bool{}
	for _, rule := range rules {
		if seenStage[rule.stage] {
			continue
		}
		if result.StageScores[rule.stage] < rule.below {
			suggestions = append(suggestions, rule.text)
			seenStage[rule.stage] = true
		}
	}
	return suggestions
}

// Trend classifies a recent score trajectory.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Trends classifies the project's score trajectory over the window by
// comparing the average of the older half of snapshots against the newer
// half. Fewer than two snapshots classify as stable.
func (c *Controller) Trends(ctx context.Context, projectID string, window time.Duration) (Trend, error) {
	if c.store == nil {
		return TrendStable, fmt.Errorf("quality trends require a snapshot store")
	}

	snaps, err := c.store.QualitySnapshots(ctx, projectID, c.now().Add(-window))
	if err != nil {
		return TrendStable, fmt.Errorf("loading quality snapshots for project %q: %w", projectID, err)
	}
	if len(snaps) < 2 {
		return TrendStable, nil
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	mid := len(snaps) / 2
	older := meanOverall(snaps[:mid])
	newer := meanOverall(snaps[mid:])

	const margin = 0.05
	switch {
	case newer > older+margin:
		return TrendImproving, nil
	case newer < older-margin:
		return TrendDeclining, nil
	default:
		return TrendStable, nil
	}
}

func meanOverall(snaps []Snapshot) float64 {
	var sum float64
	for _, s := range snaps {
		sum += s.Overall
	}
	return sum / float64(len(snaps))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
