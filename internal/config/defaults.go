package config

import "time"

// DefaultConfig returns the built-in configuration. Every value here mirrors
// the documented default of the subsystem it configures.
func DefaultConfig() *Config {
	return &Config{
		StorePath: ".taskpilot/taskpilot.db",
		Agent: AgentConfig{
			Name:    "default",
			Command: "claude",
		},
		Runner: RunnerConfig{
			MaxIterations:     10,
			MilestoneInterval: 0,
			PollInterval:      Duration(100 * time.Millisecond),
			Retry: RetryConfig{
				InitialInterval:     Duration(100 * time.Millisecond),
				MaxInterval:         Duration(10 * time.Second),
				MaxElapsedTime:      Duration(2 * time.Minute),
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
		},
		Scheduler: SchedulerConfig{
			RetryBaseDelay:    Duration(60 * time.Second),
			RetryMaxDelay:     Duration(15 * time.Minute),
			DefaultMaxRetries: 3,
		},
		Decision: DecisionConfig{
			Weights: DecisionWeights{
				Confidence:        0.35,
				Validation:        0.25,
				Quality:           0.25,
				InverseComplexity: 0.10,
				History:           0.05,
			},
			Thresholds: DecisionThresholds{
				Proceed:          0.85,
				Escalate:         0.30,
				CriticalEscalate: 0.50,
			},
			Alpha: 0.2,
		},
		Quality: QualityConfig{
			MinOverall:  0.70,
			BlockingBar: 0.50,
			StageWeights: map[string]float64{
				"syntax":       0.20,
				"requirements": 0.30,
				"quality":      0.30,
				"testing":      0.20,
			},
		},
		Breakpoints: BreakpointConfig{
			AutoResolve: []string{"rate_limit_hit", "time_threshold_exceeded"},
		},
	}
}
