package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Agent produces resolved file content for a conflicted merge. It must only
// write files inside req.Workspace; it must not stage or commit.
type Agent interface {
	Resolve(ctx context.Context, req *Request) (*Response, error)
}

// CommandAgent runs a configured shell command as the agent, passing the
// request as JSON on stdin and reading a Response from stdout.
type CommandAgent struct {
	Command string
	Timeout time.Duration

	// Transcript receives the agent's raw stdout and stderr when set.
	Transcript func(stdout, stderr []byte)
}

// Resolve runs the agent in the request's workspace.
func (a *CommandAgent) Resolve(ctx context.Context, req *Request) (*Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	env := []string{
		"ARBOR_WORKTREE=" + req.Worktree,
		"ARBOR_WORKSPACE=" + req.Workspace,
		"ARBOR_BRANCH=" + req.Branch,
		"ARBOR_BASE_BRANCH=" + req.BaseBranch,
	}
	run, err := runShell(ctx, "conflict resolution agent", req.Workspace, a.Command, input, env, a.Timeout)
	if a.Transcript != nil {
		a.Transcript(run.Stdout, run.Stderr)
	}
	if err != nil {
		return nil, err
	}
	return ParseResponse(run.Stdout)
}
