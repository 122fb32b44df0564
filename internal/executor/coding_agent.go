package executor

import (
	"context"
	"fmt"
)

// CodingAgentSpawner invokes a vendor CLI for a CodingAgentInitialRequest or
// CodingAgentFollowUpRequest. The concrete per-vendor prompt format and
// stdout parser are out of scope; this only needs to honor the Spawner
// interface and the VIBE_* env contract so a real vendor backend
// (registered separately via Register) can be swapped in without touching
// the Supervisor.
type CodingAgentSpawner struct {
	// Command is the CLI binary to invoke, e.g. "claude" or "codex".
	Command string
	// ExtraArgs are appended after the prompt-carrying flags.
	ExtraArgs []string
}

// NewCodingAgentSpawner returns a spawner that shells out to command.
func NewCodingAgentSpawner(command string, extraArgs ...string) *CodingAgentSpawner {
	return &CodingAgentSpawner{Command: command, ExtraArgs: extraArgs}
}

func (s *CodingAgentSpawner) Name() string { return s.Command }

func (s *CodingAgentSpawner) Spawn(ctx context.Context, action *Action, workdir string, env []string) (*SpawnedChild, error) {
	prompt, args, err := s.promptAndArgs(action)
	if err != nil {
		return nil, err
	}
	args = append(append([]string{"-p", prompt, "--output-format", "stream-json"}, args...), s.ExtraArgs...)

	cmd, stdout, stderr, err := startProcessGroup(ctx, s.Command, args, workdir, env)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cmd.Wait()
	}()

	return &SpawnedChild{Cmd: cmd, Stdout: stdout, Stderr: stderr, Done: done}, nil
}

func (s *CodingAgentSpawner) promptAndArgs(action *Action) (prompt string, args []string, err error) {
	switch action.Kind {
	case KindCodingAgentInitial:
		if action.CodingAgentInitial == nil {
			return "", nil, fmt.Errorf("executor: %s action missing CodingAgentInitialRequest", action.Kind)
		}
		return action.CodingAgentInitial.Prompt, nil, nil
	case KindCodingAgentFollowUp:
		if action.CodingAgentFollowUp == nil {
			return "", nil, fmt.Errorf("executor: %s action missing CodingAgentFollowUpRequest", action.Kind)
		}
		req := action.CodingAgentFollowUp
		if req.SessionID != "" {
			return req.Prompt, []string{"--resume", req.SessionID}, nil
		}
		return req.Prompt, nil, nil
	default:
		return "", nil, fmt.Errorf("executor: CodingAgentSpawner cannot handle action kind %q", action.Kind)
	}
}
