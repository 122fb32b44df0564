// Package worktree materializes and destroys the git worktrees that back
// task-attempt execution. The creation path is adapted from the teacher's
// WorktreeManager.CreateWorktree: serialize creation through one mutex and
// retry on the transient "commondir"/"gitdir" races git's own worktree
// implementation exhibits under concurrent `git worktree add`. Unlike the
// teacher (one ephemeral, anonymously-named worktree per task run), this
// manager materializes long-lived, NameDerivation-keyed worktrees that are
// idempotently re-ensured across daemon restarts.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgecrew/attemptkit/internal/logging"
)

// ErrBranchMustExist is returned by CreateWorktree when createNewBranch is
// false but branch does not already exist in repoPath.
var ErrBranchMustExist = errors.New("worktree: branch must already exist")

const (
	raceRetryAttempts = 3
	raceRetryBaseWait = 10 * time.Millisecond
)

// Manager materializes and destroys working copies. It is safe for
// concurrent use by multiple attempts and multiple repositories at once.
type Manager struct {
	baseDir string

	// createMu serializes every `git worktree add`/`remove` invocation
	// across all repositories: git's on-disk worktree bookkeeping
	// (.git/worktrees/*/commondir, gitdir) has internal races when two
	// worktree operations run concurrently against worktrees of the same
	// or even different repositories sharing object storage.
	createMu sync.Mutex
}

// NewManager returns a Manager rooted at baseDir, the directory under
// which every worktree this process creates will live.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// GetWorktreeBaseDir returns the process-wide base directory worktrees are
// created under. Callers constructing a worktree path with namederive
// should use this as the base_dir argument.
func (m *Manager) GetWorktreeBaseDir() string {
	return m.baseDir
}

// registered reports whether worktreePath is already listed in repoPath's
// worktree metadata (`git worktree list`) and, if so, which branch it has
// checked out.
func (m *Manager) registered(ctx context.Context, repoPath, worktreePath string) (branch string, ok bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", false, fmt.Errorf("worktree: listing worktrees for %s: %w", repoPath, err)
	}

	wantPath := filepath.Clean(worktreePath)
	var currentPath string
	for _, line := range strings.Split(string(out), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = filepath.Clean(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "branch "):
			if currentPath == wantPath {
				ref := strings.TrimPrefix(line, "branch ")
				return strings.TrimPrefix(ref, "refs/heads/"), true, nil
			}
		case line == "" && currentPath == wantPath:
			// Entry ended (e.g. detached HEAD) without a branch line.
			return "", true, nil
		}
	}
	return "", false, nil
}

// EnsureWorktreeExists makes sure worktreePath exists and has branch
// checked out, creating it from whatever branch currently points to (or
// creating the branch) if it doesn't. If the directory already exists and
// is registered with repoPath as worktreePath with that same branch, this
// is a no-op — the idempotent entry point callers should use on every
// daemon start and every resumed attempt.
func (m *Manager) EnsureWorktreeExists(ctx context.Context, repoPath, branch, worktreePath string) error {
	if info, statErr := os.Stat(worktreePath); statErr == nil && info.IsDir() {
		existingBranch, ok, err := m.registered(ctx, repoPath, worktreePath)
		if err != nil {
			return err
		}
		if ok && existingBranch == branch {
			logging.WithComponent("worktree").Debug("worktree already present, skipping",
				"worktree_path", worktreePath, "branch", branch)
			return nil
		}
	}

	branchExists := m.branchExists(ctx, repoPath, branch)
	return m.addWorktree(ctx, repoPath, worktreePath, branch, !branchExists, "")
}

// CreateWorktree performs first-time creation of worktreePath in repoPath,
// checking out branch (creating it from baseBranch when createNewBranch is
// true). If createNewBranch is false, branch must already exist.
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string, createNewBranch bool) error {
	if !createNewBranch && !m.branchExists(ctx, repoPath, branch) {
		return fmt.Errorf("%w: %s", ErrBranchMustExist, branch)
	}
	return m.addWorktree(ctx, repoPath, worktreePath, branch, createNewBranch, baseBranch)
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// addWorktree runs `git worktree add`, serialized against every other
// worktree operation in this process and retried on git's transient
// commondir/gitdir races.
func (m *Manager) addWorktree(ctx context.Context, repoPath, worktreePath, branch string, createBranch bool, startPoint string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("worktree: creating parent directory for %s: %w", worktreePath, err)
	}

	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch)
	}
	args = append(args, worktreePath)
	if createBranch {
		if startPoint != "" {
			args = append(args, startPoint)
		}
	} else {
		args = append(args, branch)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	var output []byte
	var err error
	for attempt := 0; attempt < raceRetryAttempts; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = repoPath
		output, err = cmd.CombinedOutput()
		if err == nil {
			break
		}
		outputStr := string(output)
		if strings.Contains(outputStr, "commondir") || strings.Contains(outputStr, "gitdir") {
			time.Sleep(time.Duration(attempt+1) * raceRetryBaseWait)
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("worktree: git worktree add %s: %w: %s", worktreePath, err, output)
	}

	logging.WithComponent("worktree").Info("worktree created",
		"repo_path", repoPath, "worktree_path", worktreePath, "branch", branch)
	return nil
}

// CleanupWorktree removes worktreePath and deregisters it from
// parentRepoPath's metadata (when known). Tolerates worktreePath already
// being gone; cleanup failures are logged, not returned, matching the
// teacher's best-effort cleanupWorktree.
func (m *Manager) CleanupWorktree(ctx context.Context, worktreePath string, parentRepoPath string) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	log := logging.WithComponent("worktree")

	if parentRepoPath != "" {
		removeCmd := exec.CommandContext(ctx, "git", "-C", parentRepoPath, "worktree", "remove", "--force", worktreePath)
		if out, err := removeCmd.CombinedOutput(); err != nil {
			log.Warn("git worktree remove failed, falling back to directory removal",
				"worktree_path", worktreePath, "error", err, "output", string(out))
		}
	}

	if err := os.RemoveAll(worktreePath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove worktree directory", "worktree_path", worktreePath, "error", err)
	}

	if parentRepoPath != "" {
		pruneCmd := exec.CommandContext(ctx, "git", "-C", parentRepoPath, "worktree", "prune")
		if out, err := pruneCmd.CombinedOutput(); err != nil {
			log.Warn("git worktree prune failed", "repo_path", parentRepoPath, "error", err, "output", string(out))
		}
	}
}
