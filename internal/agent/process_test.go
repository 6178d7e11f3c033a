package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// Output well above the 64KB pipe buffer must not deadlock; the two pipe
// readers drain concurrently before Wait.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "seq", "1", "50000")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil)
	duration := time.Since(start)
	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 50000 {
		t.Errorf("Expected 50000 lines of output, got %d", len(lines))
	}
}

func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("Expected stdout to contain 'ok', got: %s", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("Expected stderr to contain 'error', got: %s", stderr)
	}
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sleep", "30")
	if _, _, err := executeCommand(ctx, cmd, nil); err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
}

func TestExecuteCommand_ExitCodeError(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo broken >&2; exit 3")

	_, stderr, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error for nonzero exit, got nil")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected stderr in error, got: %v", err)
	}
	if !strings.Contains(string(stderr), "broken") {
		t.Errorf("Expected stderr captured, got: %s", stderr)
	}
}

func TestProcessManager_TrackUntrack(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	cmd := newCommand(ctx, "sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Count = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}
	cmd.Wait()

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Count = %d after untrack, want 0", pm.Count())
	}
}

func TestExecuteCommand_UntracksOnCompletion(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	cmd := newCommand(ctx, "echo", "done")
	if _, _, err := executeCommand(ctx, cmd, pm); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Count = %d after completion, want 0", pm.Count())
	}
}
