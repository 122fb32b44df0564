package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/executor"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/msgstore"
	"github.com/forgecrew/attemptkit/internal/payload"
	"github.com/forgecrew/attemptkit/internal/reposolver"
	"github.com/forgecrew/attemptkit/internal/store"
)

// exitMonitorDrain is how long the exit monitor waits after pushing a
// Finished message before dropping the child handle, giving any in-flight
// Subscribe call time to observe the terminal message.
const exitMonitorDrain = 50 * time.Millisecond

func primaryContext(contexts []reposolver.RepositoryContext) (reposolver.RepositoryContext, bool) {
	for _, c := range contexts {
		if c.IsPrimary {
			return c, true
		}
	}
	return reposolver.RepositoryContext{}, false
}

func spawnerName(action *executor.Action) (string, error) {
	switch action.Kind {
	case executor.KindCodingAgentInitial:
		if action.CodingAgentInitial == nil {
			return "", fmt.Errorf("supervisor: coding agent initial action missing its request body")
		}
		return action.CodingAgentInitial.Profile, nil
	case executor.KindCodingAgentFollowUp:
		if action.CodingAgentFollowUp == nil {
			return "", fmt.Errorf("supervisor: coding agent follow-up action missing its request body")
		}
		return action.CodingAgentFollowUp.Profile, nil
	case executor.KindScript:
		return "script", nil
	default:
		return "", fmt.Errorf("supervisor: unknown action kind %q", action.Kind)
	}
}

// StartExecution ensures the attempt's container exists, builds the
// executor payload, spawns the action's child process, and hands it off to
// the exit monitor. The returned ExecutionProcess is already persisted as
// Running.
func (sup *Supervisor) StartExecution(ctx context.Context, attemptID uuid.UUID, action *executor.Action, runReason executor.RunReason) (*store.ExecutionProcess, error) {
	primaryPath, err := sup.materialize(ctx, attemptID, true)
	if err != nil {
		return nil, fmt.Errorf("supervisor: materializing container: %w", err)
	}

	contexts, err := sup.store.ResolveRepositoryContexts(attemptID)
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolving repositories: %w", err)
	}

	pl, err := payload.Build(attemptID, contexts)
	if err != nil {
		return nil, fmt.Errorf("supervisor: building executor payload: %w", err)
	}

	name, err := spawnerName(action)
	if err != nil {
		return nil, err
	}
	spawner, ok := executor.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("supervisor: no spawner registered for %q", name)
	}

	proc, err := sup.store.CreateExecutionProcess(attemptID, action)
	if err != nil {
		return nil, fmt.Errorf("supervisor: recording execution process: %w", err)
	}

	child, err := spawner.Spawn(ctx, action, primaryPath, pl.EnvSlice())
	if err != nil {
		exitCode := -1
		_ = sup.store.FinishExecutionProcess(proc.ID, store.ExecutionProcessFailed, exitCode, nil)
		return nil, fmt.Errorf("supervisor: spawning %s: %w", runReason, err)
	}

	ms := msgstore.New()
	sup.registerChild(proc.ID, child, ms)
	msgstore.PumpOutput(ms, child.Stdout, child.Stderr)

	go sup.monitorExit(attemptID, proc.ID, action, runReason, child, ms)

	return proc, nil
}

// StopExecution kills a running process's group, writes its terminal
// status as Killed, and drains its MsgStore. Calling it on an
// already-finished process is a no-op.
func (sup *Supervisor) StopExecution(ctx context.Context, attemptID, processID uuid.UUID) error {
	h, ok := sup.markKilled(processID)
	if !ok {
		return nil
	}

	if h.child.Cmd.Process != nil {
		if err := executor.KillProcessGroup(h.child.Cmd.Process.Pid); err != nil {
			logging.WithComponent("supervisor").Warn("killing process group failed", "process_id", processID, "error", err)
		}
	}

	if err := sup.store.FinishExecutionProcess(processID, store.ExecutionProcessKilled, -1, nil); err != nil {
		logging.WithComponent("supervisor").Warn("marking process killed failed", "process_id", processID, "error", err)
	}

	if proc, err := sup.store.GetExecutionProcess(processID); err == nil {
		if proc.RunReason != executor.RunReasonDevServer {
			if attempt, err := sup.store.GetTaskAttempt(attemptID); err == nil {
				if task, err := sup.store.GetTask(attempt.TaskID); err == nil {
					_ = sup.store.UpdateTaskStatus(task.ID, store.TaskStatusInReview)
				}
			}
		}
	}

	if contexts, err := sup.store.ResolveRepositoryContexts(attemptID); err == nil {
		if primary, ok := primaryContext(contexts); ok {
			if sha, err := sup.git.HeadCommitSHA(ctx, primary.EffectiveWorktreePath); err == nil {
				_ = sup.store.SetAfterHeadCommit(processID, sha)
			}
		}
	}

	sup.mu.Lock()
	ms := sup.msgStores[processID]
	sup.mu.Unlock()
	if ms != nil && !ms.Finished() {
		ms.PushFinished()
	}

	return nil
}
