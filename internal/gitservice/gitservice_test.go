package gitservice

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v: %s", args, err, out)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsCleanAndCommitAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "hello\n")

	svc := New()

	clean, err := svc.IsClean(ctx, repo)
	if err != nil {
		t.Fatalf("IsClean: %v", err)
	}
	if clean {
		t.Fatalf("expected dirty worktree before commit")
	}

	sha, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if sha == "" {
		t.Fatalf("expected non-empty SHA")
	}

	clean, err = svc.IsClean(ctx, repo)
	if err != nil {
		t.Fatalf("IsClean after commit: %v", err)
	}
	if !clean {
		t.Fatalf("expected clean worktree after commit")
	}
}

func TestHeadCommitSHAAndResolveRef(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "hello\n")

	svc := New()
	sha, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	head, err := svc.HeadCommitSHA(ctx, repo)
	if err != nil {
		t.Fatalf("HeadCommitSHA: %v", err)
	}
	if head != sha {
		t.Errorf("HeadCommitSHA = %s, want %s", head, sha)
	}

	resolved, err := svc.ResolveRef(ctx, repo, "main")
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if resolved != sha {
		t.Errorf("ResolveRef(main) = %s, want %s", resolved, sha)
	}
}

func TestBranchExists(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "hello\n")

	svc := New()
	if _, err := svc.CommitAll(ctx, repo, "initial"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	if !svc.BranchExists(ctx, repo, "main") {
		t.Errorf("expected main branch to exist")
	}
	if svc.BranchExists(ctx, repo, "does-not-exist") {
		t.Errorf("expected nonexistent branch to report false")
	}
}

func TestCountCommitsSince(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "hello\n")

	svc := New()
	if _, err := svc.CommitAll(ctx, repo, "initial"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	runGit(t, repo, "branch", "base")

	writeFile(t, repo, "b.txt", "world\n")
	if _, err := svc.CommitAll(ctx, repo, "second"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	count, err := svc.CountCommitsSince(ctx, repo, "base")
	if err != nil {
		t.Fatalf("CountCommitsSince: %v", err)
	}
	if count != 1 {
		t.Errorf("CountCommitsSince = %d, want 1", count)
	}
}

func TestGetDiffsCommitTarget(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\n")

	svc := New()
	firstSHA, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	writeFile(t, repo, "a.txt", "line1\nline2\n")
	secondSHA, err := svc.CommitAll(ctx, repo, "second")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	_ = firstSHA

	diffs, err := svc.GetDiffs(CommitDiffTarget{RepoPath: repo, CommitSHA: secondSHA}, nil)
	if err != nil {
		t.Fatalf("GetDiffs: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected 1 file diff, got %d", len(diffs))
	}
	if diffs[0].Path != "a.txt" {
		t.Errorf("expected path a.txt, got %s", diffs[0].Path)
	}
	if diffs[0].ChangeType != ChangeModified {
		t.Errorf("expected ChangeModified, got %s", diffs[0].ChangeType)
	}
	if diffs[0].Additions != 1 {
		t.Errorf("expected 1 addition, got %d", diffs[0].Additions)
	}
}

func TestGetDiffsWorktreeTargetUncommitted(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\n")

	svc := New()
	baseSHA, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	// Uncommitted modification and a new untracked file.
	writeFile(t, repo, "a.txt", "line1\nline2\n")
	writeFile(t, repo, "b.txt", "new file\n")

	diffs, err := svc.GetDiffs(WorktreeDiffTarget{WorktreePath: repo, BaseCommit: baseSHA}, nil)
	if err != nil {
		t.Fatalf("GetDiffs: %v", err)
	}

	byPath := map[string]FileDiff{}
	for _, d := range diffs {
		byPath[d.Path] = d
	}

	if d, ok := byPath["a.txt"]; !ok || d.ChangeType != ChangeModified {
		t.Errorf("expected a.txt modified, got %+v ok=%v", d, ok)
	}
	if d, ok := byPath["b.txt"]; !ok || d.ChangeType != ChangeAdded {
		t.Errorf("expected b.txt added, got %+v ok=%v", d, ok)
	}
}

func TestGetDiffsPathFilter(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	mkdir(t, repo, "keep")
	mkdir(t, repo, "skip")
	writeFile(t, repo, "keep/a.txt", "1\n")
	writeFile(t, repo, "skip/b.txt", "1\n")

	svc := New()
	sha, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	diffs, err := svc.GetDiffs(CommitDiffTarget{RepoPath: repo, CommitSHA: sha}, []string{"keep"})
	if err != nil {
		t.Fatalf("GetDiffs: %v", err)
	}
	for _, d := range diffs {
		if d.Path != "keep/a.txt" {
			t.Errorf("unexpected path in filtered diffs: %s", d.Path)
		}
	}
}

func mkdir(t *testing.T, base, name string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(base, name), 0o755); err != nil {
		t.Fatal(err)
	}
}
