package gitservice

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ChangeType classifies how a path differs between the two sides of a diff.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeDeleted  ChangeType = "deleted"
	ChangeModified ChangeType = "modified"
	ChangeRenamed  ChangeType = "renamed"
)

// FileDiff is one file's contribution to a DiffStreamer snapshot: the
// structured equivalent of a unified diff hunk, carrying full before/after
// content so callers can compute their own rendering (or omit content
// under a byte budget, per spec §4.H) without reparsing text.
type FileDiff struct {
	Path           string
	OldPath        string // set only for ChangeRenamed
	ChangeType     ChangeType
	Additions      int
	Deletions      int
	OldContent     string
	NewContent     string
	ContentOmitted bool
	Binary         bool
}

// DiffTarget is the tagged union of things GetDiffs can compute a diff
// for: either the live contents of a worktree against a base commit, or
// one committed revision against its parent.
type DiffTarget interface {
	isDiffTarget()
}

// WorktreeDiffTarget diffs the on-disk contents of WorktreePath (including
// uncommitted changes) against BaseCommit.
type WorktreeDiffTarget struct {
	WorktreePath string
	BaseCommit   string
}

func (WorktreeDiffTarget) isDiffTarget() {}

// CommitDiffTarget diffs a single committed revision against its first
// parent (or against the empty tree, for a root commit).
type CommitDiffTarget struct {
	RepoPath  string
	CommitSHA string
}

func (CommitDiffTarget) isDiffTarget() {}

// GetDiffs computes structured file diffs for target, restricted to
// pathFilter when non-empty (paths or path prefixes, matched the way a
// repository filter in spec §4.H expects: any changed path under one of
// the given prefixes is included).
func (s *Service) GetDiffs(target DiffTarget, pathFilter []string) ([]FileDiff, error) {
	switch t := target.(type) {
	case WorktreeDiffTarget:
		return s.diffWorktree(t, pathFilter)
	case CommitDiffTarget:
		return s.diffCommit(t, pathFilter)
	default:
		return nil, fmt.Errorf("gitservice: unknown diff target %T", target)
	}
}

func (s *Service) diffCommit(t CommitDiffTarget, pathFilter []string) ([]FileDiff, error) {
	repo, err := git.PlainOpen(t.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAGitRepo, t.RepoPath, err)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(t.CommitSHA))
	if err != nil {
		return nil, fmt.Errorf("gitservice: resolving commit %s: %w", t.CommitSHA, err)
	}

	newTree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitservice: reading tree for %s: %w", t.CommitSHA, err)
	}

	var oldTree *object.Tree
	if parent, err := commit.Parent(0); err == nil {
		oldTree, err = parent.Tree()
		if err != nil {
			return nil, fmt.Errorf("gitservice: reading parent tree for %s: %w", t.CommitSHA, err)
		}
	}

	changes, err := diffTrees(oldTree, newTree)
	if err != nil {
		return nil, err
	}
	return changesToFileDiffs(changes, pathFilter)
}

func (s *Service) diffWorktree(t WorktreeDiffTarget, pathFilter []string) ([]FileDiff, error) {
	repo, err := git.PlainOpen(t.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAGitRepo, t.WorktreePath, err)
	}

	baseTree, err := treeForCommit(repo, t.BaseCommit)
	if err != nil {
		return nil, err
	}

	headRef, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("gitservice: resolving HEAD for %s: %w", t.WorktreePath, err)
	}
	headCommit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("gitservice: resolving HEAD commit for %s: %w", t.WorktreePath, err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitservice: reading HEAD tree for %s: %w", t.WorktreePath, err)
	}

	committedChanges, err := diffTrees(baseTree, headTree)
	if err != nil {
		return nil, err
	}
	diffs, err := changesToFileDiffs(committedChanges, pathFilter)
	if err != nil {
		return nil, err
	}

	uncommitted, err := s.diffUncommitted(repo, t.WorktreePath, headTree, pathFilter)
	if err != nil {
		return nil, err
	}

	return mergeFileDiffs(diffs, uncommitted), nil
}

// diffUncommitted layers the on-disk worktree state (staged, unstaged,
// and untracked files) on top of the committed diff, reading file bytes
// directly off disk since go-git's Worktree.Status() only reports
// presence/absence of changes, not content.
func (s *Service) diffUncommitted(repo *git.Repository, worktreePath string, headTree *object.Tree, pathFilter []string) ([]FileDiff, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("gitservice: opening worktree %s: %w", worktreePath, err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("gitservice: reading worktree status for %s: %w", worktreePath, err)
	}

	var diffs []FileDiff
	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}
		if !pathAllowed(path, pathFilter) {
			continue
		}

		fd := FileDiff{Path: path}
		oldContent, hadOld := readTreeFile(headTree, path)

		switch {
		case fileStatus.Worktree == git.Deleted || fileStatus.Staging == git.Deleted:
			fd.ChangeType = ChangeDeleted
			fd.OldContent = oldContent
		default:
			newContent, readErr := os.ReadFile(filepath.Join(worktreePath, path))
			if readErr != nil {
				if os.IsNotExist(readErr) {
					continue
				}
				return nil, fmt.Errorf("gitservice: reading %s: %w", path, readErr)
			}
			fd.NewContent = string(newContent)
			if hadOld {
				fd.ChangeType = ChangeModified
				fd.OldContent = oldContent
			} else {
				fd.ChangeType = ChangeAdded
			}
		}

		fd.Additions, fd.Deletions = countLineDiff(fd.OldContent, fd.NewContent)
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

func readTreeFile(tree *object.Tree, path string) (string, bool) {
	if tree == nil {
		return "", false
	}
	f, err := tree.File(path)
	if err != nil {
		return "", false
	}
	r, err := f.Reader()
	if err != nil {
		return "", false
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(content), true
}

func treeForCommit(repo *git.Repository, sha string) (*object.Tree, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("gitservice: resolving base commit %s: %w", sha, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitservice: reading tree for %s: %w", sha, err)
	}
	return tree, nil
}

func diffTrees(oldTree, newTree *object.Tree) (object.Changes, error) {
	return object.DiffTree(oldTree, newTree)
}

func changesToFileDiffs(changes object.Changes, pathFilter []string) ([]FileDiff, error) {
	var diffs []FileDiff
	for _, change := range changes {
		path := changePath(change)
		if !pathAllowed(path, pathFilter) {
			continue
		}

		patch, err := change.Patch()
		if err != nil {
			return nil, fmt.Errorf("gitservice: computing patch for %s: %w", path, err)
		}

		fd := FileDiff{Path: path, ChangeType: classifyChange(change)}
		if fd.ChangeType == ChangeRenamed {
			fd.OldPath = change.From.Name
		}

		for _, stat := range patch.Stats() {
			if stat.Name == path {
				fd.Additions += stat.Addition
				fd.Deletions += stat.Deletion
			}
		}

		for _, fp := range patch.FilePatches() {
			if fp.IsBinary() {
				fd.Binary = true
				continue
			}
		}

		if !fd.Binary {
			fromFile, toFile, filesErr := change.Files()
			if filesErr != nil {
				return nil, fmt.Errorf("gitservice: reading file contents for %s: %w", path, filesErr)
			}
			if fromFile != nil {
				if content, readErr := fileContents(fromFile); readErr == nil {
					fd.OldContent = content
				}
			}
			if toFile != nil {
				if content, readErr := fileContents(toFile); readErr == nil {
					fd.NewContent = content
				}
			}
		}

		diffs = append(diffs, fd)
	}
	return diffs, nil
}

func fileContents(f *object.File) (string, error) {
	r, err := f.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func changePath(change *object.Change) string {
	if change.To.Name != "" {
		return change.To.Name
	}
	return change.From.Name
}

func classifyChange(change *object.Change) ChangeType {
	switch {
	case change.From.Name == "" && change.To.Name != "":
		return ChangeAdded
	case change.From.Name != "" && change.To.Name == "":
		return ChangeDeleted
	case change.From.Name != change.To.Name:
		return ChangeRenamed
	default:
		return ChangeModified
	}
}

func pathAllowed(path string, pathFilter []string) bool {
	if len(pathFilter) == 0 {
		return true
	}
	for _, prefix := range pathFilter {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// countLineDiff gives a cheap additions/deletions estimate for uncommitted
// content by comparing line sets; it is not a full Myers diff, which is
// fine here since DiffStreamer only needs counts when content is
// available and recomputes them precisely from patch.Stats() for
// committed changes.
func countLineDiff(oldContent, newContent string) (additions, deletions int) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	oldSet := make(map[string]int, len(oldLines))
	for _, l := range oldLines {
		oldSet[l]++
	}
	newSet := make(map[string]int, len(newLines))
	for _, l := range newLines {
		newSet[l]++
	}
	for l, n := range newSet {
		if have := oldSet[l]; n > have {
			additions += n - have
		}
	}
	for l, n := range oldSet {
		if have := newSet[l]; n > have {
			deletions += n - have
		}
	}
	return additions, deletions
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func mergeFileDiffs(committed, uncommitted []FileDiff) []FileDiff {
	if len(uncommitted) == 0 {
		return committed
	}
	byPath := make(map[string]int, len(committed))
	merged := make([]FileDiff, len(committed))
	copy(merged, committed)
	for i, fd := range merged {
		byPath[fd.Path] = i
	}
	for _, fd := range uncommitted {
		if idx, ok := byPath[fd.Path]; ok {
			// Uncommitted state supersedes the committed-diff entry for the
			// same path: it reflects what is actually on disk right now.
			fd.OldContent = merged[idx].OldContent
			fd.Additions, fd.Deletions = countLineDiff(fd.OldContent, fd.NewContent)
			merged[idx] = fd
			continue
		}
		merged = append(merged, fd)
	}
	return merged
}
