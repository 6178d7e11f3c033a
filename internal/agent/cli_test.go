package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewCLIAgent_Defaults(t *testing.T) {
	a, err := NewCLIAgent(Config{}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}
	if a.command != "claude" {
		t.Errorf("command = %q, want claude", a.command)
	}
	if a.workDir == "" {
		t.Error("workDir not defaulted")
	}
}

func TestBuildArgs_SessionPinned(t *testing.T) {
	a, err := NewCLIAgent(Config{Command: "claude"}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}

	args := a.buildArgs(Request{Prompt: "Hello", SessionID: "sess-uuid"})
	expected := []string{"-p", "Hello", "--output-format", "json", "--session-id", "sess-uuid"}
	if !sliceEqual(args, expected) {
		t.Errorf("args = %v, want %v", args, expected)
	}
	// Sessions are fresh per iteration; the resume flag must never appear.
	if containsString(args, "--resume") {
		t.Error("args contain --resume")
	}
}

func TestBuildArgs_ModelAndSystemPrompt(t *testing.T) {
	a, err := NewCLIAgent(Config{Model: "sonnet", SystemPrompt: "be terse"}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}

	args := a.buildArgs(Request{Prompt: "x", SessionID: "s"})
	if !containsString(args, "--model") || !containsString(args, "sonnet") {
		t.Errorf("model flag missing: %v", args)
	}
	if !containsString(args, "--system-prompt") || !containsString(args, "be terse") {
		t.Errorf("system prompt flag missing: %v", args)
	}
}

func TestParseResponse(t *testing.T) {
	data := []byte(`{
		"session_id": "sess-1",
		"is_error": false,
		"result": "done: added the parser",
		"num_turns": 3,
		"total_cost_usd": 0.42,
		"usage": {"input_tokens": 900, "output_tokens": 300}
	}`)

	resp, err := parseResponse(data)
	if err != nil {
		t.Fatalf("parseResponse failed: %v", err)
	}
	if resp.Content != "done: added the parser" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", resp.SessionID)
	}
	if resp.Usage.Tokens != 1200 || resp.Usage.Turns != 3 || resp.Usage.Cost != 0.42 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseResponse_ErrorEnvelope(t *testing.T) {
	data := []byte(`{"session_id": "sess-1", "is_error": true, "result": "rate limit exceeded"}`)
	if _, err := parseResponse(data); err == nil {
		t.Error("expected error for is_error envelope")
	}
}

func TestParseResponse_MalformedJSON(t *testing.T) {
	if _, err := parseResponse([]byte("not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestInvoke_RequiresSessionID(t *testing.T) {
	a, err := NewCLIAgent(Config{}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}
	if _, err := a.Invoke(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Error("expected error for empty session id")
	}
}

// fakeAgent writes an executable shell script that prints the given stdout
// and returns its path, for driving Invoke without the real CLI.
func fakeAgent(t *testing.T, stdout string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake-agent")
	body := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "\nEOF\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return script
}

func TestInvoke_ParsesSubprocessOutput(t *testing.T) {
	script := fakeAgent(t, `{"session_id": "sess-1", "result": "refactored", "num_turns": 2, "total_cost_usd": 0.1, "usage": {"input_tokens": 10, "output_tokens": 5}}`)
	a, err := NewCLIAgent(Config{Command: script}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}

	resp, err := a.Invoke(context.Background(), Request{Prompt: "go", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Content != "refactored" || resp.Usage.Tokens != 15 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvoke_SessionMismatchIsFatal(t *testing.T) {
	script := fakeAgent(t, `{"session_id": "someone-elses", "result": "ok"}`)
	a, err := NewCLIAgent(Config{Command: script}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}

	_, err = a.Invoke(context.Background(), Request{Prompt: "go", SessionID: "sess-1"})
	if !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("err = %v, want ErrSessionMismatch", err)
	}
}

func TestInvoke_MissingSessionEchoIsFatal(t *testing.T) {
	script := fakeAgent(t, `{"result": "ok"}`)
	a, err := NewCLIAgent(Config{Command: script}, nil)
	if err != nil {
		t.Fatalf("NewCLIAgent failed: %v", err)
	}

	_, err = a.Invoke(context.Background(), Request{Prompt: "go", SessionID: "sess-1"})
	if !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("err = %v, want ErrSessionMismatch", err)
	}
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(s []string, v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}
