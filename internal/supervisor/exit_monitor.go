package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/executor"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/msgstore"
	"github.com/forgecrew/attemptkit/internal/store"
)

// summaryMaxBytes bounds the executor-session summary persisted from a
// coding agent's transcript.
const summaryMaxBytes = 4096

// monitorExit waits for a spawned child to exit, then runs the full
// post-exit pipeline. Every step past the terminal-status write is
// best-effort: the process has already exited, so nothing here can be
// retried against it, and a failure only gets logged.
func (sup *Supervisor) monitorExit(attemptID, processID uuid.UUID, action *executor.Action, runReason executor.RunReason, child *executor.SpawnedChild, ms *msgstore.Store) {
	<-child.Done

	log := logging.WithExecution(processID.String())

	exitCode := -1
	status := store.ExecutionProcessCompleted
	if child.Cmd.ProcessState != nil {
		exitCode = child.Cmd.ProcessState.ExitCode()
	}
	if exitCode != 0 {
		status = store.ExecutionProcessFailed
	}

	ctx := context.Background()
	if err := sup.store.FinishExecutionProcess(processID, status, exitCode, nil); err != nil {
		// Already finished — an explicit StopExecution beat us to the
		// terminal-status write. Skip the rest of the pipeline but still
		// drain and deregister below.
		log.Debug("exit monitor found process already finished", "error", err)
	} else {
		sup.runPostExitPipeline(ctx, attemptID, processID, action, runReason, status, exitCode, ms, log)
	}

	if !ms.Finished() {
		ms.PushFinished()
	}
	time.Sleep(exitMonitorDrain)
	sup.unregisterChild(processID)
}

func (sup *Supervisor) runPostExitPipeline(ctx context.Context, attemptID, processID uuid.UUID, action *executor.Action, runReason executor.RunReason, status store.ExecutionProcessStatus, exitCode int, ms *msgstore.Store, log *slog.Logger) {
	attempt, err := sup.store.GetTaskAttempt(attemptID)
	if err != nil {
		log.Warn("post-exit: loading attempt failed", "error", err)
		return
	}
	task, err := sup.store.GetTask(attempt.TaskID)
	if err != nil {
		log.Warn("post-exit: loading task failed", "error", err)
		return
	}

	sup.updateExecutorSessionSummary(processID, ms, log)

	if status != store.ExecutionProcessCompleted || exitCode != 0 {
		// A failed/non-zero exit never commits or chains; the attempt is
		// left exactly as the executor left it for a human to inspect.
		_ = sup.store.UpdateTaskStatus(task.ID, store.TaskStatusInReview)
		return
	}

	contexts, err := sup.store.ResolveRepositoryContexts(attemptID)
	if err != nil {
		log.Warn("post-exit: resolving repositories failed", "error", err)
		return
	}
	primary, ok := primaryContext(contexts)
	if !ok {
		log.Warn("post-exit: no primary repository resolved")
		return
	}

	changesCommitted := false
	if runReason == executor.RunReasonCodingAgent || runReason == executor.RunReasonCleanupScript {
		message := commitMessage(runReason, attemptID)
		if _, summary, ok, _ := sup.store.LatestExecutorSession(attemptID); ok && summary != "" {
			message = summary
		}
		_, created, err := sup.git.Commit(ctx, primary.EffectiveWorktreePath, message)
		if err != nil {
			log.Warn("post-exit: commit failed", "error", err)
		}
		changesCommitted = created
	}

	if sha, err := sup.git.HeadCommitSHA(ctx, primary.EffectiveWorktreePath); err == nil {
		_ = sup.store.SetAfterHeadCommit(processID, sha)
	}

	switch {
	case runReason == executor.RunReasonCodingAgent && !changesCommitted:
		// A coding-agent run that produced nothing to commit never chains
		// a next_action: there is nothing new for a cleanup script to act
		// on, and finalizing immediately gives the user a clean "no
		// changes" signal instead of a confusing cleanup-on-nothing run.
		sup.finalize(ctx, attemptID, task, runReason)
	case action.NextAction != nil:
		nextReason := action.NextAction.RunReason()
		if _, err := sup.StartExecution(ctx, attemptID, action.NextAction, nextReason); err != nil {
			log.Warn("post-exit: starting chained next_action failed", "error", err)
			sup.finalize(ctx, attemptID, task, runReason)
		}
		// The chained process owns finalizing the attempt when it exits.
	case runReason != executor.RunReasonDevServer:
		sup.finalize(ctx, attemptID, task, runReason)
	}
}

// finalize moves the attempt's task to InReview and, if a queued follow-up
// draft is waiting, starts it.
func (sup *Supervisor) finalize(ctx context.Context, attemptID uuid.UUID, task *store.Task, runReason executor.RunReason) {
	if err := sup.store.UpdateTaskStatus(task.ID, store.TaskStatusInReview); err != nil {
		logging.WithComponent("supervisor").Warn("finalize: updating task status failed", "attempt_id", attemptID, "error", err)
	}
	sup.consumeQueuedFollowUp(ctx, attemptID)
}

// updateExecutorSessionSummary scans ms's history in reverse for the
// latest AssistantMessage json_patch entry and persists its content
// (truncated) as the session summary for processID, provided no summary
// has been recorded for this process yet. msgstore.PumpOutput recognizes
// that envelope on the child's stdout directly; turning a specific coding
// agent's own stream-json schema into it is a per-vendor adapter's job
// that this repo does not ship, so against the CodingAgentSpawner's raw
// CLI output this is a no-op until such an adapter exists.
func (sup *Supervisor) updateExecutorSessionSummary(processID uuid.UUID, ms *msgstore.Store, log *slog.Logger) {
	already, err := sup.store.HasExecutorSessionForProcess(processID)
	if err != nil {
		log.Warn("checking existing executor session failed", "error", err)
		return
	}
	if already {
		return
	}

	history := ms.GetHistory()
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Kind != msgstore.KindJSONPatch {
			continue
		}
		var entry msgstore.AssistantMessage
		if err := json.Unmarshal(msg.Patch, &entry); err != nil {
			continue
		}
		if entry.Type != "assistant_message" || entry.Content == "" {
			continue
		}
		summary := entry.Content
		if len(summary) > summaryMaxBytes {
			summary = summary[:summaryMaxBytes-3] + "..."
		}
		if err := sup.store.SaveExecutorSession(processID, entry.SessionID, summary); err != nil {
			log.Warn("saving executor session summary failed", "error", err)
		}
		return
	}
}

func commitMessage(runReason executor.RunReason, attemptID uuid.UUID) string {
	switch runReason {
	case executor.RunReasonCleanupScript:
		return fmt.Sprintf("Cleanup script changes for task attempt %s", attemptID)
	default:
		return fmt.Sprintf("Commit changes from coding agent for task attempt %s", attemptID)
	}
}
