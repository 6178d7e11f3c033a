package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskpilotlabs/taskpilot/internal/agent"
)

// scriptedAgent is a fake agent that replays a fixed sequence of outcomes.
type scriptedAgent struct {
	mu        sync.Mutex
	responses []any // Each entry is either agent.Response or error
	callCount int
}

func (a *scriptedAgent) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.callCount >= len(a.responses) {
		return agent.Response{}, fmt.Errorf("unexpected call %d (only %d responses configured)", a.callCount+1, len(a.responses))
	}

	resp := a.responses[a.callCount]
	a.callCount++

	switch v := resp.(type) {
	case agent.Response:
		v.SessionID = req.SessionID
		return v, nil
	case error:
		return agent.Response{}, v
	default:
		return agent.Response{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (a *scriptedAgent) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callCount
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      1 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// TestInvokeWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestInvokeWithRetry_TransientThenSuccess(t *testing.T) {
	ag := &scriptedAgent{
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			agent.Response{Content: "success"},
		},
	}

	cb := NewCircuitBreakerRegistry().Get("test")
	ctx := context.Background()
	resp, err := invokeWithRetry(ctx, ag, agent.Request{Prompt: "test", SessionID: "s"}, cb, fastRetryConfig())

	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if resp.Content != "success" {
		t.Errorf("expected response content 'success', got %q", resp.Content)
	}
	if ag.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", ag.CallCount())
	}
}

// TestInvokeWithRetry_SessionMismatchNotRetried verifies session corruption is fatal.
func TestInvokeWithRetry_SessionMismatchNotRetried(t *testing.T) {
	ag := &scriptedAgent{
		responses: []any{
			fmt.Errorf("wrong session: %w", agent.ErrSessionMismatch),
			agent.Response{Content: "should not be reached"},
		},
	}

	cb := NewCircuitBreakerRegistry().Get("test")
	_, err := invokeWithRetry(context.Background(), ag, agent.Request{Prompt: "test", SessionID: "s"}, cb, fastRetryConfig())

	if !errors.Is(err, agent.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got: %v", err)
	}
	if ag.CallCount() != 1 {
		t.Errorf("expected 1 call (no retry on mismatch), got %d", ag.CallCount())
	}
}

// TestInvokeWithRetry_PersistentFailure_CircuitOpens verifies the circuit
// breaker opens after consecutive failures.
func TestInvokeWithRetry_PersistentFailure_CircuitOpens(t *testing.T) {
	ag := &scriptedAgent{
		responses: make([]any, 100),
	}
	for i := range ag.responses {
		ag.responses[i] = fmt.Errorf("persistent error %d", i+1)
	}

	cb := NewCircuitBreakerRegistry().Get("test-agent")
	retryCfg := fastRetryConfig()
	retryCfg.MaxElapsedTime = 500 * time.Millisecond

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := invokeWithRetry(ctx, ag, agent.Request{Prompt: "test", SessionID: "s"}, cb, retryCfg)
		if err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
		if i >= 5 && errors.Is(err, gobreaker.ErrOpenState) {
			return // Circuit opened as expected
		}
	}

	if state := cb.State(); state != gobreaker.StateOpen {
		t.Errorf("expected circuit to be open after 7 requests, got state: %v", state)
	}
}

// TestInvokeWithRetry_ContextCancelled_StopsRetry verifies context
// cancellation stops retries immediately.
func TestInvokeWithRetry_ContextCancelled_StopsRetry(t *testing.T) {
	ag := &scriptedAgent{
		responses: make([]any, 100),
	}
	for i := range ag.responses {
		ag.responses[i] = fmt.Errorf("error %d", i+1)
	}

	cb := NewCircuitBreakerRegistry().Get("test")
	retryCfg := RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second, // Should be interrupted by context
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := invokeWithRetry(ctx, ag, agent.Request{Prompt: "test", SessionID: "s"}, cb, retryCfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	// Should return quickly, not wait for MaxElapsedTime.
	if elapsed > 500*time.Millisecond {
		t.Errorf("invokeWithRetry took %v, expected < 500ms", elapsed)
	}
}

// TestCircuitBreakerRegistry_PerAgent verifies circuit breakers are keyed by
// agent name.
func TestCircuitBreakerRegistry_PerAgent(t *testing.T) {
	registry := NewCircuitBreakerRegistry()

	cb1a := registry.Get("claude")
	cb1b := registry.Get("claude")
	cb2 := registry.Get("reviewer")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'claude'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances per agent name")
	}
	if cb1a.Name() != "claude" {
		t.Errorf("expected circuit breaker name 'claude', got %q", cb1a.Name())
	}
}

// TestCircuitBreaker_UserCancellationNotCounted verifies user cancellation
// doesn't count as an agent failure.
func TestCircuitBreaker_UserCancellationNotCounted(t *testing.T) {
	registry := NewCircuitBreakerRegistry()
	cb := registry.Get("test-agent")

	ag := &scriptedAgent{
		responses: []any{context.Canceled},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		ag.mu.Lock()
		ag.callCount = 0
		ag.mu.Unlock()

		_, err := invokeWithRetry(ctx, ag, agent.Request{Prompt: "test", SessionID: "s"}, cb, fastRetryConfig())
		if err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed after user cancellations, got state: %v", state)
	}
}
