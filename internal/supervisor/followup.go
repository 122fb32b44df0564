package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/executor"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/store"
)

// consumeQueuedFollowUp starts a waiting follow-up draft once an attempt
// has gone idle. Every failure here is logged and swallowed: a follow-up
// that can't be started stays queued for the next finalize to retry.
func (sup *Supervisor) consumeQueuedFollowUp(ctx context.Context, attemptID uuid.UUID) {
	log := logging.WithAttempt(attemptID.String())

	running, err := sup.store.HasRunningExecutionProcess(attemptID)
	if err != nil {
		log.Warn("consume follow-up: checking running processes failed", "error", err)
		return
	}
	if running {
		return
	}

	draft, err := sup.store.GetDraft(attemptID, store.DraftTypeFollowUp)
	if err != nil {
		if err != store.ErrNotFound {
			log.Warn("consume follow-up: loading draft failed", "error", err)
		}
		return
	}
	if !draft.Queued || draft.Prompt == "" {
		return
	}

	_, won, err := sup.store.TryMarkSending(attemptID, store.DraftTypeFollowUp)
	if err != nil {
		log.Warn("consume follow-up: claiming draft failed", "error", err)
		return
	}
	if !won {
		return
	}

	// release re-queues the claimed draft after a failure below.
	release := func() {
		if err := sup.store.ClearAfterSend(attemptID, store.DraftTypeFollowUp); err != nil {
			log.Warn("consume follow-up: releasing draft failed", "error", err)
			return
		}
		draft.Queued = true
		if err := sup.store.UpsertDraft(draft); err != nil {
			log.Warn("consume follow-up: re-queueing draft failed", "error", err)
		}
	}

	profile, err := sup.inheritedProfile(attemptID)
	if err != nil {
		log.Warn("consume follow-up: resolving executor profile failed", "error", err)
		release()
		return
	}

	sessionID, _, _, err := sup.store.LatestExecutorSession(attemptID)
	if err != nil {
		log.Warn("consume follow-up: resolving session id failed", "error", err)
		release()
		return
	}

	prompt, err := sup.canonicalizeDraftImages(attemptID, draft)
	if err != nil {
		log.Warn("consume follow-up: canonicalizing image references failed", "error", err)
		prompt = draft.Prompt
	}

	action := &executor.Action{
		Kind: executor.KindCodingAgentFollowUp,
		CodingAgentFollowUp: &executor.CodingAgentFollowUpRequest{
			Profile:   profile,
			SessionID: sessionID,
			Prompt:    prompt,
		},
	}

	if cleanup, err := sup.cleanupScriptAction(attemptID); err == nil && cleanup != nil {
		action.NextAction = cleanup
	}

	if _, err := sup.StartExecution(ctx, attemptID, action, executor.RunReasonCodingAgent); err != nil {
		log.Warn("consume follow-up: starting execution failed", "error", err)
		release()
		return
	}

	if err := sup.store.ClearAfterSend(attemptID, store.DraftTypeFollowUp); err != nil {
		log.Warn("consume follow-up: clearing draft failed", "error", err)
	}
}

// canonicalizeDraftImages copies every image draft.ImageIDs references
// into the primary worktree's image directory and rewrites occurrences of
// each image's source path in the prompt to the copied, worktree-relative
// path, so the coding agent can resolve them from its own working
// directory. A missing or unreadable image is skipped, not fatal: the
// rest of the prompt still goes out.
func (sup *Supervisor) canonicalizeDraftImages(attemptID uuid.UUID, draft *store.Draft) (string, error) {
	prompt := draft.Prompt
	if draft.ImageIDs == nil || strings.TrimSpace(*draft.ImageIDs) == "" {
		return prompt, nil
	}

	contexts, err := sup.store.ResolveRepositoryContexts(attemptID)
	if err != nil {
		return prompt, err
	}
	primary, ok := primaryContext(contexts)
	if !ok {
		return prompt, fmt.Errorf("supervisor: no primary repository to copy images into")
	}

	log := logging.WithAttempt(attemptID.String())
	for _, raw := range strings.Split(*draft.ImageIDs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Warn("consume follow-up: malformed image id", "id", raw, "error", err)
			continue
		}
		img, err := sup.store.GetTaskImage(id)
		if err != nil {
			log.Warn("consume follow-up: loading image failed", "id", raw, "error", err)
			continue
		}

		rel := filepath.Join(".attemptkit", "images", filepath.Base(img.Path))
		dst := filepath.Join(primary.EffectiveWorktreePath, rel)
		if err := copyFile(img.Path, dst); err != nil {
			log.Warn("consume follow-up: copying image into worktree failed", "path", img.Path, "error", err)
			continue
		}
		prompt = strings.ReplaceAll(prompt, img.Path, rel)
	}
	return prompt, nil
}

// inheritedProfile resolves the executor profile of an attempt's most
// recent coding-agent process, refusing if none exists or that process's
// action is not a coding-agent request (a follow-up can only resume a
// coding agent session).
func (sup *Supervisor) inheritedProfile(attemptID uuid.UUID) (string, error) {
	procs, err := sup.store.ListExecutionProcesses(attemptID)
	if err != nil {
		return "", err
	}
	for i := len(procs) - 1; i >= 0; i-- {
		if procs[i].RunReason != executor.RunReasonCodingAgent {
			continue
		}
		action, err := procs[i].Action()
		if err != nil {
			return "", err
		}
		switch action.Kind {
		case executor.KindCodingAgentInitial:
			return action.CodingAgentInitial.Profile, nil
		case executor.KindCodingAgentFollowUp:
			return action.CodingAgentFollowUp.Profile, nil
		default:
			return "", fmt.Errorf("supervisor: latest coding agent process of attempt %s has a %q action, not a coding agent request", attemptID, action.Kind)
		}
	}
	return "", fmt.Errorf("supervisor: attempt %s has no coding agent process to inherit a profile from", attemptID)
}

// cleanupScriptAction builds the optional chained cleanup action from the
// attempt's project, or nil if none is configured.
func (sup *Supervisor) cleanupScriptAction(attemptID uuid.UUID) (*executor.Action, error) {
	attempt, err := sup.store.GetTaskAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	task, err := sup.store.GetTask(attempt.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := sup.store.GetProject(task.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.CleanupScript == nil || *project.CleanupScript == "" {
		return nil, nil
	}
	return &executor.Action{
		Kind: executor.KindScript,
		Script: &executor.ScriptRequest{
			Reason:  executor.RunReasonCleanupScript,
			Command: *project.CleanupScript,
		},
	}, nil
}
