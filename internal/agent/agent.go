// Package agent wraps the external coding agent CLI behind a narrow
// invocation interface. One Invoke call is one iteration: the caller supplies
// the session identifier, the agent runs a single subprocess, and the parsed
// result carries the usage the session layer records.
package agent

import (
	"context"
	"errors"
)

// ErrSessionMismatch is returned when the CLI echoes back a different session
// identifier than the one requested. Continuing would attribute usage to the
// wrong session, so this error is fatal for the iteration.
var ErrSessionMismatch = errors.New("agent echoed unexpected session id")

// Request is one iteration's worth of work handed to the agent.
type Request struct {
	Prompt    string
	SessionID string // allocated by the session manager, fresh per iteration
}

// Usage is the consumption the CLI reports for a single invocation.
type Usage struct {
	Tokens int
	Turns  int
	Cost   float64
}

// Response is the parsed outcome of one invocation.
type Response struct {
	Content   string
	SessionID string
	Usage     Usage
}

// Agent executes one iteration against the external CLI.
type Agent interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Config holds the CLI invocation settings.
type Config struct {
	Command      string // CLI binary, defaults to "claude"
	WorkDir      string
	Model        string
	SystemPrompt string
}
