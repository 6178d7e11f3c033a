// Package breakpoint implements rule-based conditional escalation: pause
// points the loop raises for auto- or human-resolution before continuing.
package breakpoint

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the fixed catalog of breakpoint types.
type Type string

const (
	TypeArchitectureDecision Type = "architecture_decision_needed"
	TypeBreakingTestFailure  Type = "breaking_test_failure"
	TypeConflictingSignals   Type = "conflicting_validator_signals"
	TypeMilestone            Type = "milestone_reached"
	TypeRateLimit            Type = "rate_limit_hit"
	TypeTimeThreshold        Type = "time_threshold_exceeded"
	TypeLowConfidence        Type = "confidence_too_low"
	TypeConsecutiveFailures  Type = "consecutive_failures"
)

// Priority orders rule evaluation: high rules first, and the first matching
// high-priority rule short-circuits the rest.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// Severity tags the triggered event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ResolutionStatus tracks how an event was (or was not yet) resolved.
type ResolutionStatus string

const (
	StatusPending        ResolutionStatus = "pending"
	StatusAutoResolved   ResolutionStatus = "auto_resolved"
	StatusManualResolved ResolutionStatus = "manually_resolved"
)

// Context is the execution snapshot rules evaluate over.
type Context struct {
	TaskID              string
	ProjectID           string
	Confidence          float64
	ConsecutiveFailures int
	ValidatorSpread     float64 // max disagreement between validator scores
	TestsFailing        bool
	NeedsArchDecision   bool
	RateLimited         bool
	Elapsed             time.Duration // time spent on the task so far
	TimeBudget          time.Duration // zero disables the time threshold
	MilestoneReached    bool
}

// Rule is one evaluable condition in the catalog. Custom rules can be added
// at runtime via AddRule.
type Rule struct {
	Type      Type
	Priority  Priority
	Severity  Severity
	Condition func(Context) bool
}

// Event is a persisted breakpoint occurrence.
type Event struct {
	ID          string
	ProjectID   string
	TaskID      string
	Type        Type
	Severity    Severity
	Context     map[string]string // triggering context snapshot
	Status      ResolutionStatus
	Resolution  string
	TriggeredAt time.Time
	ResolvedAt  time.Time // zero while pending
}

// Store persists breakpoint events.
type Store interface {
	SaveBreakpointEvent(ctx context.Context, ev *Event) error
	GetBreakpointEvent(ctx context.Context, id string) (*Event, error)
	BreakpointEvents(ctx context.Context, projectID string) ([]*Event, error)
}

// Manager evaluates the rule set and owns the event lifecycle.
type Manager struct {
	mu          sync.Mutex
	rules       []Rule
	disabled    map[Type]bool
	autoResolve map[Type]bool

	store Store
	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager with the default rule catalog. autoResolve
// lists the types eligible for automatic resolution when their condition has
// cleared; nil applies the documented default (rate-limit-hit and
// time-threshold-exceeded).
func NewManager(store Store, autoResolve []Type) *Manager {
	if autoResolve == nil {
		autoResolve = []Type{TypeRateLimit, TypeTimeThreshold}
	}
	auto := make(map[Type]bool, len(autoResolve))
	for _, t := range autoResolve {
		auto[t] = true
	}

	m := &Manager{
		rules:       defaultRules(),
		disabled:    make(map[Type]bool),
		autoResolve: auto,
		store:       store,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	m.sortRulesLocked()
	return m
}

func defaultRules() []Rule {
	return []Rule{
		{TypeBreakingTestFailure, PriorityHigh, SeverityCritical,
			func(c Context) bool { return c.TestsFailing }},
		{TypeArchitectureDecision, PriorityHigh, SeverityCritical,
			func(c Context) bool { return c.NeedsArchDecision }},
		{TypeConsecutiveFailures, PriorityHigh, SeverityCritical,
			func(c Context) bool { return c.ConsecutiveFailures >= 3 }},
		{TypeConflictingSignals, PriorityMedium, SeverityWarning,
			func(c Context) bool { return c.ValidatorSpread >= 0.4 }},
		{TypeLowConfidence, PriorityMedium, SeverityWarning,
			func(c Context) bool { return c.Confidence > 0 && c.Confidence < 0.3 }},
		{TypeRateLimit, PriorityMedium, SeverityWarning,
			func(c Context) bool { return c.RateLimited }},
		{TypeTimeThreshold, PriorityLow, SeverityInfo,
			func(c Context) bool { return c.TimeBudget > 0 && c.Elapsed > c.TimeBudget }},
		{TypeMilestone, PriorityLow, SeverityInfo,
			func(c Context) bool { return c.MilestoneReached }},
	}
}

func (m *Manager) sortRulesLocked() {
	sort.SliceStable(m.rules, func(i, j int) bool { return m.rules[i].Priority < m.rules[j].Priority })
}

// Evaluate returns the matched breakpoint types. Rules run in priority order;
// the first matching high-priority rule short-circuits evaluation and is
// returned alone.
func (m *Manager) Evaluate(bctx Context) []Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Type
	for _, rule := range m.rules {
		if m.disabled[rule.Type] || !rule.Condition(bctx) {
			continue
		}
		if rule.Priority == PriorityHigh {
			return []Type{rule.Type}
		}
		matched = append(matched, rule.Type)
	}
	return matched
}

// Trigger persists a breakpoint event for the type. If the type is flagged
// auto-resolvable and its condition has already cleared by the time of
// evaluation (a transient condition such as a rate limit lifting), the event
// is resolved immediately without human input.
func (m *Manager) Trigger(ctx context.Context, t Type, bctx Context) (*Event, error) {
	m.mu.Lock()
	rule, haveRule := m.ruleForLocked(t)
	autoEligible := m.autoResolve[t]
	now := m.now()
	ev := &Event{
		ID:          m.newID(),
		ProjectID:   bctx.ProjectID,
		TaskID:      bctx.TaskID,
		Type:        t,
		Severity:    SeverityWarning,
		Context:     snapshot(bctx),
		Status:      StatusPending,
		TriggeredAt: now,
	}
	if haveRule {
		ev.Severity = rule.Severity
		if autoEligible && !rule.Condition(bctx) {
			ev.Status = StatusAutoResolved
			ev.Resolution = "condition cleared before evaluation"
			ev.ResolvedAt = now
		}
	}
	m.mu.Unlock()

	if err := m.store.SaveBreakpointEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persisting breakpoint event %s: %w", t, err)
	}
	return ev, nil
}

// Resolve records a manual resolution on a pending event.
func (m *Manager) Resolve(ctx context.Context, id, resolution string) (*Event, error) {
	ev, err := m.store.GetBreakpointEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading breakpoint event %q: %w", id, err)
	}
	if ev.Status != StatusPending {
		return nil, fmt.Errorf("breakpoint event %q already resolved (%s)", id, ev.Status)
	}

	ev.Status = StatusManualResolved
	ev.Resolution = resolution
	ev.ResolvedAt = m.now()
	if err := m.store.SaveBreakpointEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persisting resolution for %q: %w", id, err)
	}
	return ev, nil
}

// AddRule registers a custom rule at runtime.
func (m *Manager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	m.sortRulesLocked()
}

// EnableType re-enables a disabled breakpoint type.
func (m *Manager) EnableType(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disabled, t)
}

// DisableType stops a type from matching during evaluation.
func (m *Manager) DisableType(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[t] = true
}

func (m *Manager) ruleForLocked(t Type) (Rule, bool) {
	for _, rule := range m.rules {
		if rule.Type == t {
			return rule, true
		}
	}
	return Rule{}, false
}

// Stats is the per-project audit summary.
type Stats struct {
	TriggerCounts        map[Type]int
	MeanTimeToResolution time.Duration // over resolved events only
	AutoResolveRatio     float64       // auto-resolved / resolved
	Events               []*Event      // full history, oldest first
}

// ProjectStats aggregates trigger counts, mean time-to-resolution, and the
// auto-resolution ratio over the project's full event history.
func (m *Manager) ProjectStats(ctx context.Context, projectID string) (*Stats, error) {
	events, err := m.store.BreakpointEvents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading breakpoint events for project %q: %w", projectID, err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TriggeredAt.Before(events[j].TriggeredAt) })

	stats := &Stats{TriggerCounts: make(map[Type]int), Events: events}
	resolved := 0
	autoResolved := 0
	var totalResolution time.Duration
	for _, ev := range events {
		stats.TriggerCounts[ev.Type]++
		if ev.Status == StatusPending {
			continue
		}
		resolved++
		totalResolution += ev.ResolvedAt.Sub(ev.TriggeredAt)
		if ev.Status == StatusAutoResolved {
			autoResolved++
		}
	}
	if resolved > 0 {
		stats.MeanTimeToResolution = totalResolution / time.Duration(resolved)
		stats.AutoResolveRatio = float64(autoResolved) / float64(resolved)
	}
	return stats, nil
}

// snapshot flattens the triggering context into the persisted event.
func snapshot(bctx Context) map[string]string {
	return map[string]string{
		"task_id":              bctx.TaskID,
		"project_id":           bctx.ProjectID,
		"confidence":           strconv.FormatFloat(bctx.Confidence, 'f', 3, 64),
		"consecutive_failures": strconv.Itoa(bctx.ConsecutiveFailures),
		"validator_spread":     strconv.FormatFloat(bctx.ValidatorSpread, 'f', 3, 64),
		"tests_failing":        strconv.FormatBool(bctx.TestsFailing),
		"rate_limited":         strconv.FormatBool(bctx.RateLimited),
		"elapsed":              bctx.Elapsed.String(),
		"milestone_reached":    strconv.FormatBool(bctx.MilestoneReached),
	}
}
