package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// CLIAgent drives the coding agent CLI in subprocess-per-invocation mode.
// Every call pins the session with --session-id; because sessions are fresh
// per iteration there is never a resume path.
type CLIAgent struct {
	command      string
	workDir      string
	model        string
	systemPrompt string
	procMgr      *ProcessManager
}

// cliResponse is the JSON envelope the CLI prints with --output-format json.
type cliResponse struct {
	SessionID string  `json:"session_id"`
	IsError   bool    `json:"is_error"`
	Result    string  `json:"result"`
	NumTurns  int     `json:"num_turns"`
	TotalCost float64 `json:"total_cost_usd"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewCLIAgent creates a CLI-backed agent. The ProcessManager is optional;
// when nil, subprocesses are not tracked for shutdown cleanup.
func NewCLIAgent(cfg Config, procMgr *ProcessManager) (*CLIAgent, error) {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &CLIAgent{
		command:      command,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Invoke runs one subprocess and parses its JSON output.
func (a *CLIAgent) Invoke(ctx context.Context, req Request) (Response, error) {
	if req.SessionID == "" {
		return Response{}, fmt.Errorf("invoke requires a session id")
	}

	cmd := newCommand(ctx, a.command, a.buildArgs(req)...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("%s command failed: %w", a.command, err)
	}

	resp, err := parseResponse(stdout)
	if err != nil {
		return Response{}, fmt.Errorf("failed to parse %s response: %w (stderr: %s)", a.command, err, string(stderr))
	}

	// The CLI must echo back exactly the session we allocated. An empty echo
	// means the invocation ran outside our session, so it counts as a
	// mismatch too.
	if resp.SessionID != req.SessionID {
		return Response{}, fmt.Errorf("requested %s, got %q: %w", req.SessionID, resp.SessionID, ErrSessionMismatch)
	}

	return resp, nil
}

// buildArgs constructs the CLI arguments for one invocation.
func (a *CLIAgent) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json", "--session-id", req.SessionID}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	return args
}

// parseResponse decodes the CLI's JSON envelope into a Response.
func parseResponse(data []byte) (Response, error) {
	var cr cliResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if cr.IsError {
		return Response{}, fmt.Errorf("agent reported error: %s", cr.Result)
	}

	return Response{
		Content:   cr.Result,
		SessionID: cr.SessionID,
		Usage: Usage{
			Tokens: cr.Usage.InputTokens + cr.Usage.OutputTokens,
			Turns:  cr.NumTurns,
			Cost:   cr.TotalCost,
		},
	}, nil
}
