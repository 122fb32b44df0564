package executor

import (
	"context"
	"errors"
)

// ErrMissingScriptRequest is returned when a ScriptRequest action is
// spawned without its Script field populated.
var ErrMissingScriptRequest = errors.New("executor: ScriptSpawner requires a ScriptRequest action")

// ScriptSpawner runs a ScriptRequest's Command through the shell. It backs
// SetupScript, CleanupScript, and DevServer run reasons.
type ScriptSpawner struct{}

// NewScriptSpawner returns a ready-to-use ScriptSpawner.
func NewScriptSpawner() *ScriptSpawner { return &ScriptSpawner{} }

func (s *ScriptSpawner) Name() string { return "script" }

func (s *ScriptSpawner) Spawn(ctx context.Context, action *Action, workdir string, env []string) (*SpawnedChild, error) {
	if action.Script == nil {
		return nil, ErrMissingScriptRequest
	}

	cmd, stdout, stderr, err := startProcessGroup(ctx, "/bin/sh", []string{"-c", action.Script.Command}, workdir, env)
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
