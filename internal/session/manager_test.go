package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for manager tests; the SQLite implementation
// is covered in the persistence package.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Record
	order    []string
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Record)}
}

func (s *memStore) CreateSession(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.ID]; exists {
		return fmt.Errorf("duplicate session %q", rec.ID)
	}
	cp := *rec
	s.sessions[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *memStore) CloseSession(_ context.Context, sessionID string, endedAt time.Time, usage Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.sessions[sessionID]
	if !exists || !rec.Open() {
		return ErrSessionClosed
	}
	rec.EndedAt = endedAt
	rec.Usage = usage
	return nil
}

func (s *memStore) SessionsForTask(_ context.Context, taskID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, id := range s.order {
		if rec := s.sessions[id]; rec.TaskID == taskID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestOpenAllocatesFreshIdentifiers(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, err := m.Open(ctx, "task-1", "proj", i)
		if err != nil {
			t.Fatalf("Open iteration %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("session identifier %q reused across iterations", id)
		}
		seen[id] = true
		if err := m.Close(ctx, id, Usage{Tokens: 1}); err != nil {
			t.Fatalf("Close iteration %d: %v", i, err)
		}
	}
}

func TestOpenRejectsSecondOpenSession(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	id, err := m.Open(ctx, "task-1", "proj", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(ctx, "task-1", "proj", 1); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("expected ErrSessionOpen, got %v", err)
	}

	if err := m.Close(ctx, id, Usage{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(ctx, "task-1", "proj", 1); err != nil {
		t.Fatalf("open after close should succeed: %v", err)
	}
}

func TestCloseTwiceIsInvariantViolation(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	id, err := m.Open(ctx, "task-1", "proj", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx, id, Usage{Tokens: 10}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx, id, Usage{Tokens: 99}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := m.Close(ctx, "no-such-session", Usage{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed for unknown id, got %v", err)
	}
}

// Three iterations reporting 100, 200, 300 tokens: total 600, three
// iterations, average 200.
func TestTaskMetricsAggregation(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	for i, tokens := range []int{100, 200, 300} {
		err := m.WithSession(ctx, "task-1", "proj", i, func(string) (Usage, error) {
			return Usage{Tokens: tokens, Turns: 2, Cost: 0.5}, nil
		})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}

	metrics, err := m.TaskMetrics(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if metrics.TotalTokens != 600 {
		t.Errorf("TotalTokens = %d, want 600", metrics.TotalTokens)
	}
	if metrics.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", metrics.Iterations)
	}
	if metrics.AvgTokensPerIteration != 200 {
		t.Errorf("AvgTokensPerIteration = %v, want 200", metrics.AvgTokensPerIteration)
	}
	if metrics.TotalTurns != 6 || metrics.TotalCost != 1.5 {
		t.Errorf("TotalTurns = %d TotalCost = %v", metrics.TotalTurns, metrics.TotalCost)
	}
	if len(metrics.Sessions) != 3 {
		t.Fatalf("expected 3 session records, got %d", len(metrics.Sessions))
	}
	for i, rec := range metrics.Sessions {
		if rec.Iteration != i {
			t.Errorf("session %d has iteration %d", i, rec.Iteration)
		}
		if rec.Open() {
			t.Errorf("session %d still open", i)
		}
	}
}

func TestWithSessionClosesOnFailure(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()

	boom := errors.New("agent exploded")
	err := m.WithSession(ctx, "task-1", "proj", 0, func(string) (Usage, error) {
		return Usage{Tokens: 42}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	records, _ := store.SessionsForTask(ctx, "task-1")
	if len(records) != 1 {
		t.Fatalf("expected one session record, got %d", len(records))
	}
	if records[0].Open() {
		t.Error("session left dangling after failed iteration")
	}
	if records[0].Usage.Tokens != 42 {
		t.Errorf("usage from failed iteration lost: %+v", records[0].Usage)
	}

	// The next iteration can open immediately.
	if _, err := m.Open(ctx, "task-1", "proj", 1); err != nil {
		t.Fatalf("open after failed iteration: %v", err)
	}
}
