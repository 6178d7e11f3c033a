package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("90s", "5m") and accepts either a string or a nanosecond number on load.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t))
		return nil
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", t, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("duration must be a string or a number, got %T", v)
	}
}

// AgentConfig defines the agent CLI transport: which binary to run, where, and
// with which model and role prompt.
type AgentConfig struct {
	Name         string `json:"name"`                    // Label used for per-agent circuit breakers
	Command      string `json:"command"`                 // CLI binary name (e.g., "claude")
	WorkDir      string `json:"work_dir,omitempty"`      // Working directory for subprocess runs
	Model        string `json:"model,omitempty"`         // Model override passed to the CLI
	SystemPrompt string `json:"system_prompt,omitempty"` // Role-specific system prompt
}

// RetryConfig controls the call-level retry around one agent invocation.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// RunnerConfig controls the task execution loop.
type RunnerConfig struct {
	MaxIterations     int         `json:"max_iterations"`     // Per-task iteration cap
	MilestoneInterval int         `json:"milestone_interval"` // Checkpoint every N iterations; 0 disables
	PollInterval      Duration    `json:"poll_interval"`      // Idle wait while retry timers run
	Retry             RetryConfig `json:"retry"`
}

// SchedulerConfig controls task-level retry backoff.
type SchedulerConfig struct {
	RetryBaseDelay    Duration `json:"retry_base_delay"`
	RetryMaxDelay     Duration `json:"retry_max_delay"`
	DefaultMaxRetries int      `json:"default_max_retries"` // Applied to tasks scheduled without an explicit budget
}

// DecisionConfig carries the scoring weights and routing thresholds.
type DecisionConfig struct {
	Weights    DecisionWeights    `json:"weights"`
	Thresholds DecisionThresholds `json:"thresholds"`
	Alpha      float64            `json:"alpha"` // EMA smoothing for per-category success rates
}

// DecisionWeights must sum to 1.0.
type DecisionWeights struct {
	Confidence        float64 `json:"confidence"`
	Validation        float64 `json:"validation"`
	Quality           float64 `json:"quality"`
	InverseComplexity float64 `json:"inverse_complexity"`
	History           float64 `json:"history"`
}

type DecisionThresholds struct {
	Proceed          float64 `json:"proceed"`
	Escalate         float64 `json:"escalate"`
	CriticalEscalate float64 `json:"critical_escalate"`
}

// QualityConfig controls the validation gate.
type QualityConfig struct {
	MinOverall   float64            `json:"min_overall"`
	BlockingBar  float64            `json:"blocking_bar"`
	StageWeights map[string]float64 `json:"stage_weights"`
}

// BreakpointConfig controls escalation rules.
type BreakpointConfig struct {
	AutoResolve []string `json:"auto_resolve,omitempty"` // Breakpoint types eligible for auto-resolution
	Disabled    []string `json:"disabled,omitempty"`     // Breakpoint types to mute entirely
}

// Config is the top-level configuration.
type Config struct {
	StorePath   string           `json:"store_path"` // SQLite database path
	Agent       AgentConfig      `json:"agent"`
	Runner      RunnerConfig     `json:"runner"`
	Scheduler   SchedulerConfig  `json:"scheduler"`
	Decision    DecisionConfig   `json:"decision"`
	Quality     QualityConfig    `json:"quality"`
	Breakpoints BreakpointConfig `json:"breakpoints"`
}
