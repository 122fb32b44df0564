// Package gitservice wraps the git plumbing operations the engine needs:
// branch/commit inspection and structured diff enumeration. Simple,
// single-shot plumbing (branch existence, HEAD resolution, commit status)
// shells out to the git binary exactly as the teacher's GitOperations did;
// diff enumeration goes through go-git so callers get structured change
// data instead of unified-diff text to parse.
package gitservice

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgecrew/attemptkit/internal/logging"
)

// ErrNotAGitRepo is returned when a plumbing call targets a path that is
// not inside a git working tree or bare repository.
var ErrNotAGitRepo = errors.New("gitservice: not a git repository")

// Service executes git plumbing against arbitrary repository or worktree
// paths passed per call. Unlike the teacher's GitOperations, which was
// bound to one fixed projectPath for the process lifetime, this engine
// juggles many repositories and worktrees concurrently so every method
// takes its target path explicitly.
type Service struct{}

// New returns a ready-to-use Service. It holds no state of its own.
func New() *Service {
	return &Service{}
}

func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, bytesTrim(output))
	}
	return bytesTrim(output), nil
}

func bytesTrim(b []byte) string {
	return strings.TrimSpace(string(b))
}

// BranchExists reports whether branch exists as a local ref in repoPath.
func (s *Service) BranchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// DefaultBranch returns the repository's default branch, preferring the
// remote HEAD symref and falling back to checking for "main" then
// "master" locally.
func (s *Service) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := s.run(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		parts := strings.Split(out, "/")
		return parts[len(parts)-1], nil
	}
	if s.BranchExists(ctx, repoPath, "main") {
		return "main", nil
	}
	if s.BranchExists(ctx, repoPath, "master") {
		return "master", nil
	}
	return "", fmt.Errorf("gitservice: could not determine default branch for %s", repoPath)
}

// HeadCommitSHA returns the SHA of HEAD in repoPath.
func (s *Service) HeadCommitSHA(ctx context.Context, repoPath string) (string, error) {
	return s.run(ctx, repoPath, "rev-parse", "HEAD")
}

// ResolveRef resolves an arbitrary ref (branch, tag, or SHA) to its
// full commit SHA in repoPath.
func (s *Service) ResolveRef(ctx context.Context, repoPath, ref string) (string, error) {
	return s.run(ctx, repoPath, "rev-parse", ref)
}

// IsClean reports whether worktreePath has no uncommitted changes
// (staged, unstaged, or untracked).
func (s *Service) IsClean(ctx context.Context, worktreePath string) (bool, error) {
	out, err := s.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Commit stages everything in worktreePath and commits it with message.
// Returns the new commit SHA and created=true, or created=false with the
// previous HEAD SHA when there was nothing to commit.
func (s *Service) Commit(ctx context.Context, worktreePath, message string) (sha string, created bool, err error) {
	clean, err := s.IsClean(ctx, worktreePath)
	if err != nil {
		return "", false, err
	}
	if clean {
		head, headErr := s.HeadCommitSHA(ctx, worktreePath)
		return head, false, headErr
	}

	if _, err := s.run(ctx, worktreePath, "add", "-A"); err != nil {
		return "", false, err
	}
	if _, err := s.run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", false, err
	}
	head, err := s.HeadCommitSHA(ctx, worktreePath)
	return head, true, err
}

// CommitAll is a convenience wrapper over Commit for callers (tests,
// worktree setup) that don't care whether a new commit was actually
// produced and just want the resulting HEAD SHA.
func (s *Service) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	sha, _, err := s.Commit(ctx, worktreePath, message)
	return sha, err
}

// CountCommitsSince returns the number of commits on HEAD of repoPath
// that are not reachable from baseBranch.
func (s *Service) CountCommitsSince(ctx context.Context, repoPath, baseBranch string) (int, error) {
	out, err := s.run(ctx, repoPath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(out)
	if convErr != nil {
		return 0, fmt.Errorf("gitservice: parsing commit count %q: %w", out, convErr)
	}
	return n, nil
}

// GetBaseCommit returns the commit SHA from which branch diverged from
// baseBranch, i.e. their merge-base.
func (s *Service) GetBaseCommit(ctx context.Context, repoPath, branch, baseBranch string) (string, error) {
	return s.run(ctx, repoPath, "merge-base", baseBranch, branch)
}

// BranchStatus is the ahead/behind commit count of a branch relative to
// its base.
type BranchStatus struct {
	Ahead  int
	Behind int
}

// GetBranchStatus returns how many commits branch is ahead of and behind
// baseBranch.
func (s *Service) GetBranchStatus(ctx context.Context, repoPath, branch, baseBranch string) (BranchStatus, error) {
	out, err := s.run(ctx, repoPath, "rev-list", "--left-right", "--count", baseBranch+"..."+branch)
	if err != nil {
		return BranchStatus{}, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return BranchStatus{}, fmt.Errorf("gitservice: unexpected rev-list output %q", out)
	}
	behind, err := strconv.Atoi(fields[0])
	if err != nil {
		return BranchStatus{}, fmt.Errorf("gitservice: parsing behind count %q: %w", fields[0], err)
	}
	ahead, err := strconv.Atoi(fields[1])
	if err != nil {
		return BranchStatus{}, fmt.Errorf("gitservice: parsing ahead count %q: %w", fields[1], err)
	}
	return BranchStatus{Ahead: ahead, Behind: behind}, nil
}

// GetHeadInfo returns the current HEAD commit OID at path (worktree or
// bare repository).
func (s *Service) GetHeadInfo(ctx context.Context, path string) (string, error) {
	return s.HeadCommitSHA(ctx, path)
}

// IsWorktreeClean is an alias for IsClean matching the design-level
// contract name; both check for unstaged and untracked changes.
func (s *Service) IsWorktreeClean(ctx context.Context, worktreePath string) (bool, error) {
	return s.IsClean(ctx, worktreePath)
}

// DiffPath returns the canonical path used to key a file diff for
// presentation: the new path if present, otherwise the old path.
func DiffPath(fd FileDiff) string {
	if fd.Path != "" {
		return fd.Path
	}
	return fd.OldPath
}

// FetchOrigin fetches from the origin remote, ignoring a missing remote
// (common for worktrees of repositories that were never pushed anywhere).
func (s *Service) FetchOrigin(ctx context.Context, repoPath string) error {
	_, err := s.run(ctx, repoPath, "fetch", "origin")
	if err != nil {
		logging.WithComponent("gitservice").Warn("fetch origin failed, continuing without it",
			"repo_path", repoPath, "error", err)
	}
	return nil
}
