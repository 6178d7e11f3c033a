package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/agent"
	"github.com/taskpilotlabs/taskpilot/internal/breakpoint"
	"github.com/taskpilotlabs/taskpilot/internal/config"
	"github.com/taskpilotlabs/taskpilot/internal/decision"
	"github.com/taskpilotlabs/taskpilot/internal/events"
	"github.com/taskpilotlabs/taskpilot/internal/orchestrator"
	"github.com/taskpilotlabs/taskpilot/internal/persistence"
	"github.com/taskpilotlabs/taskpilot/internal/quality"
	"github.com/taskpilotlabs/taskpilot/internal/scheduler"
	"github.com/taskpilotlabs/taskpilot/internal/session"
)

func main() {
	tasksPath := flag.String("tasks", "", "path to the JSON task file (required)")
	project := flag.String("project", "default", "project id to run")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	initCfg := flag.Bool("init", false, "write the default config to "+projectConfigPath+" and exit")
	verbose := flag.Bool("verbose", false, "log every published event")
	flag.Parse()

	if *initCfg {
		if err := writeDefaultConfig(projectConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", projectConfigPath)
		return
	}

	if *tasksPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: taskpilot -tasks <file.json> [-project <id>] [-db <path>] | taskpilot -init")
		os.Exit(2)
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.StorePath = *dbPath
	}

	reports, err := run(ctx, stop, cfg, *tasksPath, *project, *verbose)
	printReports(os.Stdout, reports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, tasksPath, project string, verbose bool) ([]orchestrator.TaskReport, error) {
	tasks, err := loadTasks(tasksPath, project, cfg.Scheduler.DefaultMaxRetries)
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	sched := scheduler.New(store, scheduler.WithRetryPolicy(scheduler.RetryPolicy{
		BaseDelay: cfg.Scheduler.RetryBaseDelay.Std(),
		MaxDelay:  cfg.Scheduler.RetryMaxDelay.Std(),
	}))
	defer sched.Stop()

	qc, err := quality.NewController(qualityConfig(cfg.Quality), store)
	if err != nil {
		return nil, fmt.Errorf("building quality gate: %w", err)
	}

	eng, err := decision.NewEngine(decision.Weights{
		Confidence:        cfg.Decision.Weights.Confidence,
		Validation:        cfg.Decision.Weights.Validation,
		Quality:           cfg.Decision.Weights.Quality,
		InverseComplexity: cfg.Decision.Weights.InverseComplexity,
		History:           cfg.Decision.Weights.History,
	}, decision.Thresholds{
		Proceed:          cfg.Decision.Thresholds.Proceed,
		Escalate:         cfg.Decision.Thresholds.Escalate,
		CriticalEscalate: cfg.Decision.Thresholds.CriticalEscalate,
	}, cfg.Decision.Alpha)
	if err != nil {
		return nil, fmt.Errorf("building decision engine: %w", err)
	}

	bp := breakpoint.NewManager(store, breakpointTypes(cfg.Breakpoints.AutoResolve))
	for _, t := range cfg.Breakpoints.Disabled {
		bp.DisableType(breakpoint.Type(t))
	}

	pm := agent.NewProcessManager()
	ag, err := agent.NewCLIAgent(agent.Config{
		Command:      cfg.Agent.Command,
		WorkDir:      cfg.Agent.WorkDir,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
	}, pm)
	if err != nil {
		return nil, fmt.Errorf("building agent: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	if verbose {
		go logEvents(bus.SubscribeAll(256))
	}

	// On the first signal, restore default handling (a second Ctrl+C forces
	// exit) and kill any agent subprocess still running.
	go func() {
		<-ctx.Done()
		stop()
		if pm.Count() > 0 {
			log.Println("Shutdown signal received, killing agent subprocesses...")
			if err := pm.KillAll(); err != nil {
				log.Printf("ERROR: killing subprocesses: %v", err)
			}
		}
	}()

	for _, t := range tasks {
		if err := sched.Schedule(ctx, t); err != nil {
			return nil, fmt.Errorf("scheduling task %q: %w", t.ID, err)
		}
		bus.Publish(events.TaskScheduledEvent{
			ID: t.ID, ProjectID: t.ProjectID, Priority: t.Priority,
			DependsOn: t.DependsOn, Timestamp: time.Now(),
		})
	}
	if err := validateGraph(sched, tasks); err != nil {
		return nil, err
	}

	runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
		ProjectID:         project,
		AgentName:         cfg.Agent.Name,
		MaxIterations:     cfg.Runner.MaxIterations,
		MilestoneInterval: cfg.Runner.MilestoneInterval,
		PollInterval:      cfg.Runner.PollInterval.Std(),
		Retry: orchestrator.RetryConfig{
			InitialInterval:     cfg.Runner.Retry.InitialInterval.Std(),
			MaxInterval:         cfg.Runner.Retry.MaxInterval.Std(),
			MaxElapsedTime:      cfg.Runner.Retry.MaxElapsedTime.Std(),
			Multiplier:          cfg.Runner.Retry.Multiplier,
			RandomizationFactor: cfg.Runner.Retry.RandomizationFactor,
		},
	}, orchestrator.Deps{
		Scheduler:   sched,
		Sessions:    session.NewManager(store),
		Agent:       ag,
		Quality:     qc,
		Decisions:   eng,
		Breakpoints: bp,
		Bus:         bus,
	})

	reports, err := runner.Run(ctx)
	if err != nil {
		return reports, err
	}
	// The report list is the full audit trail and may carry interim retry
	// entries; success is judged on each task's terminal state instead.
	if missing := incompleteTasks(sched, tasks); len(missing) > 0 {
		return reports, fmt.Errorf("tasks did not complete: %s", strings.Join(missing, ", "))
	}
	return reports, nil
}

// projectConfigPath is where -init seeds the tunables, and the second overlay
// config.LoadDefault reads.
const projectConfigPath = ".taskpilot/config.json"

// writeDefaultConfig seeds a config file with the documented defaults so the
// tunables are visible and editable before the first run. Refuses to clobber
// an existing file.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	return config.Save(config.DefaultConfig(), path)
}

// validateGraph rejects a task graph that cannot run to completion: a
// depends_on id naming no scheduled task, or a dependency cycle. Without this
// check such a task would sit BLOCKED forever and fall out of the run
// without a report.
func validateGraph(sched *scheduler.Scheduler, tasks []*scheduler.Task) error {
	for _, t := range tasks {
		if _, err := sched.ResolveDependencies(t.ID); err != nil {
			return fmt.Errorf("validating task graph: %w", err)
		}
	}
	return nil
}

// incompleteTasks lists every scheduled task that did not end COMPLETED.
func incompleteTasks(sched *scheduler.Scheduler, tasks []*scheduler.Task) []string {
	var out []string
	for _, t := range tasks {
		status, err := sched.TaskStatus(t.ID)
		if err != nil {
			out = append(out, t.ID+" (unknown)")
			continue
		}
		if status != scheduler.StatusCompleted {
			out = append(out, fmt.Sprintf("%s (%s)", t.ID, status))
		}
	}
	return out
}

// taskSpec is one entry in the task file.
type taskSpec struct {
	ID           string            `json:"id"`
	Priority     int               `json:"priority,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	Critical     bool              `json:"critical,omitempty"`
	Deadline     string            `json:"deadline,omitempty"` // RFC 3339
	Prompt       string            `json:"prompt"`
	Category     string            `json:"category,omitempty"`
	Requirements string            `json:"requirements,omitempty"` // semicolon-separated
	Complexity   float64           `json:"complexity,omitempty"`   // in [0,1]
	Context      map[string]string `json:"context,omitempty"`
}

// loadTasks reads the task file and converts each entry. Specs without an
// explicit retry budget get the configured default.
func loadTasks(path, project string, defaultMaxRetries int) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	tasks := make([]*scheduler.Task, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("task file %s: every task needs an id", path)
		}
		if spec.Prompt == "" {
			return nil, fmt.Errorf("task %q: prompt is required", spec.ID)
		}

		taskCtx := map[string]string{"prompt": spec.Prompt}
		for k, v := range spec.Context {
			taskCtx[k] = v
		}
		if spec.Category != "" {
			taskCtx["category"] = spec.Category
		}
		if spec.Requirements != "" {
			taskCtx["requirements"] = spec.Requirements
		}
		if spec.Complexity > 0 {
			taskCtx["complexity"] = fmt.Sprintf("%g", spec.Complexity)
		}

		t := &scheduler.Task{
			ID:         spec.ID,
			ProjectID:  project,
			Priority:   spec.Priority,
			DependsOn:  spec.DependsOn,
			MaxRetries: spec.MaxRetries,
			Critical:   spec.Critical,
			Context:    taskCtx,
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = defaultMaxRetries
		}
		if spec.Deadline != "" {
			deadline, err := time.Parse(time.RFC3339, spec.Deadline)
			if err != nil {
				return nil, fmt.Errorf("task %q: parsing deadline: %w", spec.ID, err)
			}
			t.Deadline = deadline
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func qualityConfig(qc config.QualityConfig) quality.Config {
	weights := make(map[quality.Stage]float64, len(qc.StageWeights))
	for name, w := range qc.StageWeights {
		weights[quality.Stage(name)] = w
	}
	return quality.Config{
		MinOverall:  qc.MinOverall,
		BlockingBar: qc.BlockingBar,
		Weights:     weights,
	}
}

func breakpointTypes(names []string) []breakpoint.Type {
	types := make([]breakpoint.Type, 0, len(names))
	for _, n := range names {
		types = append(types, breakpoint.Type(n))
	}
	return types
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		log.Printf("event %s task=%s", ev.EventType(), ev.TaskID())
	}
}

// printReports writes the per-task outcome table.
func printReports(w *os.File, reports []orchestrator.TaskReport) {
	if len(reports) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tITERATIONS\tDECISION\tNOTE")
	for _, r := range reports {
		note := ""
		if r.Err != nil {
			note = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.TaskID, r.Status, r.Iterations, r.LastDecision.Action, note)
	}
	tw.Flush()
}
