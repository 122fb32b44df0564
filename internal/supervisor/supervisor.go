// Package supervisor owns every running child process: materializing the
// worktrees an attempt needs, spawning executor actions into them, and
// running the post-exit pipeline that commits changes, chains the next
// action, and hands the attempt back to review. It is the one place in the
// engine that touches os/exec child lifecycles; everything else only ever
// sees ExecutionProcess rows and MsgStore history.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/executor"
	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/msgstore"
	"github.com/forgecrew/attemptkit/internal/namederive"
	"github.com/forgecrew/attemptkit/internal/store"
	"github.com/forgecrew/attemptkit/internal/worktree"
)

func init() {
	executor.Register("script", func() executor.Spawner { return executor.NewScriptSpawner() })
}

// childHandle is the in-memory record of one running process, indexed by
// ExecutionProcess id. killed is set by StopExecution; the exit monitor
// does not read it, and learns that the terminal status was already
// written from FinishExecutionProcess failing.
type childHandle struct {
	child  *executor.SpawnedChild
	killed bool
}

// Supervisor owns the worktrees and running children for every attempt.
// It is safe for concurrent use.
type Supervisor struct {
	store      *store.Store
	worktrees  *worktree.Manager
	git        *gitservice.Service
	branchPfx  string

	mu        sync.Mutex
	children  map[uuid.UUID]*childHandle
	msgStores map[uuid.UUID]*msgstore.Store
}

// New returns a Supervisor ready to materialize worktrees under wm's base
// directory and run actions through git. branchPrefix is the
// NameDerivation prefix applied to every attempt branch (e.g. "vk/").
func New(s *store.Store, wm *worktree.Manager, git *gitservice.Service, branchPrefix string) *Supervisor {
	return &Supervisor{
		store:     s,
		worktrees: wm,
		git:       git,
		branchPfx: branchPrefix,
		children:  make(map[uuid.UUID]*childHandle),
		msgStores: make(map[uuid.UUID]*msgstore.Store),
	}
}

// MsgStore returns the live MsgStore for a running (or just-finished)
// execution process, for a caller wanting to Subscribe or GetHistory.
func (sup *Supervisor) MsgStore(processID uuid.UUID) (*msgstore.Store, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	ms, ok := sup.msgStores[processID]
	return ms, ok
}

func (sup *Supervisor) registerChild(processID uuid.UUID, child *executor.SpawnedChild, ms *msgstore.Store) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	sup.children[processID] = &childHandle{child: child}
	sup.msgStores[processID] = ms
}

func (sup *Supervisor) unregisterChild(processID uuid.UUID) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	delete(sup.children, processID)
	// msgStores is left in place deliberately: the history of a finished
	// execution remains readable after the child exits.
}

func (sup *Supervisor) markKilled(processID uuid.UUID) (*childHandle, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	h, ok := sup.children[processID]
	if !ok {
		return nil, false
	}
	h.killed = true
	return h, true
}

// repoPlan is one repository's materialized worktree target, resolved
// before any git command runs.
type repoPlan struct {
	projectRepo store.ProjectRepository
	attemptRepo store.TaskAttemptRepository
	isPrimary   bool
	path        string
	branch      string
}

// planRepos loads the attempt's task/project and derives the worktree path
// and branch for every linked repository, primary first. Repositories that
// share the same underlying repoPath (ProjectRepository.Path) share one
// branch, since a single physical repository cannot carry two different
// branches checked out at once outside of separate worktrees.
func (sup *Supervisor) planRepos(attemptID uuid.UUID) (attempt *store.TaskAttempt, task *store.Task, project *store.Project, plans []repoPlan, err error) {
	attempt, err = sup.store.GetTaskAttempt(attemptID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("supervisor: loading attempt: %w", err)
	}
	task, err = sup.store.GetTask(attempt.TaskID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("supervisor: loading task: %w", err)
	}
	project, err = sup.store.GetProject(task.ProjectID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("supervisor: loading project: %w", err)
	}

	projectRepos, err := sup.store.ListProjectRepositories(task.ProjectID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("supervisor: listing project repositories: %w", err)
	}
	attemptRepos, err := sup.store.ListAttemptRepositories(attemptID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("supervisor: listing attempt repositories: %w", err)
	}
	byRepoID := make(map[uuid.UUID]store.TaskAttemptRepository, len(attemptRepos))
	for _, ar := range attemptRepos {
		byRepoID[ar.ProjectRepositoryID] = ar
	}

	branch := namederive.GitBranchNameWithPrefix(sup.branchPfx, attemptID, task.Title)
	baseDir := sup.worktrees.GetWorktreeBaseDir()

	plans = make([]repoPlan, 0, len(projectRepos))
	for _, pr := range projectRepos {
		ar, ok := byRepoID[pr.ID]
		if !ok {
			// A repository added to the project after this attempt was
			// created but never attached; nothing to materialize for it.
			continue
		}
		path := namederive.WorktreePathForRepo(baseDir, attemptID, task.Title, namederive.RepoRef{ID: pr.ID, Name: pr.Name}, ar.IsPrimary)
		plans = append(plans, repoPlan{projectRepo: pr, attemptRepo: ar, isPrimary: ar.IsPrimary, path: filepath.Clean(path), branch: branch})
	}

	// Stable order: primary first, then by creation order (ListProjectRepositories
	// already returns is_primary DESC, created_at ASC).
	return attempt, task, project, plans, nil
}

// materialize ensures every repository's worktree exists on disk and
// persists the resulting container_ref/branch. createBranches controls
// whether a not-yet-seen branch is created fresh from BaseBranch (true, the
// Create path) or only ever re-ensured against whatever already exists
// (false, the idempotent EnsureContainerExists path).
func (sup *Supervisor) materialize(ctx context.Context, attemptID uuid.UUID, createBranches bool) (primaryPath string, err error) {
	attempt, task, project, plans, err := sup.planRepos(attemptID)
	if err != nil {
		return "", err
	}
	if len(plans) == 0 {
		return "", fmt.Errorf("supervisor: attempt %s has no repositories to materialize", attemptID)
	}

	seenRepoPath := make(map[string]bool)
	for _, plan := range plans {
		branchAlreadyMaterialized := seenRepoPath[plan.projectRepo.Path]
		seenRepoPath[plan.projectRepo.Path] = true

		if createBranches && !branchAlreadyMaterialized {
			if _, statErr := os.Stat(plan.path); statErr != nil {
				if err := sup.worktrees.CreateWorktree(ctx, plan.projectRepo.Path, plan.branch, plan.path, attempt.BaseBranch, true); err != nil {
					return "", fmt.Errorf("supervisor: creating worktree for %s: %w", plan.projectRepo.Name, err)
				}
			} else if err := sup.worktrees.EnsureWorktreeExists(ctx, plan.projectRepo.Path, plan.branch, plan.path); err != nil {
				return "", fmt.Errorf("supervisor: ensuring worktree for %s: %w", plan.projectRepo.Name, err)
			}
		} else if err := sup.worktrees.EnsureWorktreeExists(ctx, plan.projectRepo.Path, plan.branch, plan.path); err != nil {
			return "", fmt.Errorf("supervisor: ensuring worktree for %s: %w", plan.projectRepo.Name, err)
		}

		if plan.isPrimary {
			if err := sup.store.UpdateContainerRef(attemptID, &plan.path); err != nil {
				return "", fmt.Errorf("supervisor: persisting primary container_ref: %w", err)
			}
			if err := sup.store.UpdateBranch(attemptID, &plan.branch); err != nil {
				return "", fmt.Errorf("supervisor: persisting primary branch: %w", err)
			}
			primaryPath = plan.path
		} else if err := sup.store.UpdateAttemptRepositoryWorktree(plan.attemptRepo.ID, &plan.path, &plan.branch); err != nil {
			return "", fmt.Errorf("supervisor: persisting worktree for %s: %w", plan.projectRepo.Name, err)
		}
	}

	if primaryPath == "" {
		return "", fmt.Errorf("supervisor: attempt %s has no primary repository", attemptID)
	}

	if !createBranches {
		return primaryPath, nil
	}

	if err := sup.seedPrimaryContents(task, project, plans); err != nil {
		// Worktrees exist and are usable; a copy-files/image failure is
		// logged, not fatal, matching the post-exit pipeline's tolerance
		// for best-effort auxiliary steps.
		logging.WithComponent("supervisor").Warn("seeding primary worktree contents failed",
			"attempt_id", attemptID, "error", err)
	}

	return primaryPath, nil
}

// Create materializes every repository's worktree for a fresh attempt,
// creating branches from BaseBranch, and returns the primary worktree path.
func (sup *Supervisor) Create(ctx context.Context, attemptID uuid.UUID) (string, error) {
	return sup.materialize(ctx, attemptID, true)
}

// EnsureContainerExists idempotently re-derives paths and re-ensures every
// repository's worktree, for a resumed attempt whose branches already
// exist (e.g. after a daemon restart).
func (sup *Supervisor) EnsureContainerExists(ctx context.Context, attemptID uuid.UUID) error {
	_, err := sup.materialize(ctx, attemptID, false)
	return err
}

// seedPrimaryContents copies a project's CopyFiles list and any task image
// attachments into the primary worktree. Both are best-effort: a missing
// source file is skipped rather than aborting the whole attempt.
func (sup *Supervisor) seedPrimaryContents(task *store.Task, project *store.Project, plans []repoPlan) error {
	var primary *repoPlan
	for i := range plans {
		if plans[i].isPrimary {
			primary = &plans[i]
			break
		}
	}
	if primary == nil {
		return fmt.Errorf("supervisor: no primary plan to seed")
	}

	if project.CopyFiles != nil {
		for _, rel := range strings.Split(*project.CopyFiles, ",") {
			rel = strings.TrimSpace(rel)
			if rel == "" {
				continue
			}
			src := filepath.Join(primary.projectRepo.Path, rel)
			dst := filepath.Join(primary.path, rel)
			if err := copyFile(src, dst); err != nil {
				logging.WithComponent("supervisor").Warn("copy_files entry failed", "path", rel, "error", err)
			}
		}
	}

	images, err := sup.store.ListTaskImages(task.ID)
	if err != nil {
		return fmt.Errorf("listing task images: %w", err)
	}
	for _, img := range images {
		dst := filepath.Join(primary.path, ".attemptkit", "images", filepath.Base(img.Path))
		if err := copyFile(img.Path, dst); err != nil {
			logging.WithComponent("supervisor").Warn("task image copy failed", "path", img.Path, "error", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
