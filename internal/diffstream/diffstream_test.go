package diffstream

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/reposolver"
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
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func repoContext(id uuid.UUID, repoPath, worktreePath string, primary bool) reposolver.RepositoryContext {
	return reposolver.RepositoryContext{
		ProjectRepo: reposolver.ProjectRepo{
			ID:   id,
			Name: "repo",
			Path: repoPath,
		},
		EffectiveWorktreePath: worktreePath,
		IsPrimary:             primary,
	}
}

func drain(t *testing.T, ch <-chan Message, timeout time.Duration) []Message {
	t.Helper()
	var out []Message
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
			if msg.Kind == PatchFinished {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out draining diff stream, got %d messages so far", len(out))
		}
	}
}

func TestOpenStaticModeWhenMergedAndClean(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\n")
	svc := gitservice.New()
	ctx := context.Background()
	base, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "checkout", "-b", "feature")
	writeFile(t, repo, "a.txt", "line1\nline2\n")
	mergeSHA, err := svc.CommitAll(ctx, repo, "feature work")
	if err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "checkout", "main")
	runGit(t, repo, "merge", "--ff-only", "feature")
	_ = base

	repoID := uuid.New()
	rc := repoContext(repoID, repo, repo, true)

	streamer := New(svc)
	merge := &MergeRef{CommitByRepo: map[uuid.UUID]string{repoID: mergeSHA}}
	streamCh, err := streamer.Open(ctx, AttemptRef{Branch: "feature", BaseBranch: "main"}, []reposolver.RepositoryContext{rc}, merge, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	msgs := drain(t, streamCh, 5*time.Second)
	if len(msgs) < 2 {
		t.Fatalf("expected at least an add_diff and finished message, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Kind != PatchFinished {
		t.Errorf("expected stream to end with Finished, got %s", last.Kind)
	}

	var sawAdd bool
	for _, m := range msgs {
		if m.Kind == PatchAddDiff && m.Path == "a.txt" {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("expected an add_diff for a.txt, got %+v", msgs)
	}
}

func TestOpenFallsBackToLiveModeWhenBranchAhead(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\n")
	svc := gitservice.New()
	ctx := context.Background()
	if _, err := svc.CommitAll(ctx, repo, "initial"); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "checkout", "-b", "feature")
	writeFile(t, repo, "a.txt", "line1\nline2\n")
	if _, err := svc.CommitAll(ctx, repo, "feature work"); err != nil {
		t.Fatal(err)
	}
	// main never merges feature, so feature stays ahead: static mode must
	// decline and Open must fall through to live mode instead of erroring.

	repoID := uuid.New()
	rc := repoContext(repoID, repo, repo, true)

	streamer := New(svc)
	merge := &MergeRef{CommitByRepo: map[uuid.UUID]string{repoID: "deadbeef"}}
	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	streamCh, err := streamer.Open(runCtx, AttemptRef{Branch: "feature", BaseBranch: "main"}, []reposolver.RepositoryContext{rc}, merge, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sawAdd bool
	for {
		select {
		case msg, ok := <-streamCh:
			if !ok {
				if !sawAdd {
					t.Errorf("expected at least one add_diff from the live-mode snapshot pass")
				}
				return
			}
			if msg.Kind == PatchAddDiff && msg.Path == "a.txt" {
				sawAdd = true
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for live-mode snapshot")
		}
	}
}

func TestApplyContentPolicyOmitsOverBudget(t *testing.T) {
	b := &budget{limit: 10}
	small := gitservice.FileDiff{NewContent: "12345"}
	if omitted := applyContentPolicy(&small, b, false); omitted {
		t.Errorf("expected small diff to be admitted under budget")
	}
	if small.ContentOmitted {
		t.Errorf("expected ContentOmitted false for admitted diff")
	}

	large := gitservice.FileDiff{NewContent: "1234567890abcdef", Additions: 3, Deletions: 1}
	if omitted := applyContentPolicy(&large, b, false); !omitted {
		t.Errorf("expected large diff to be omitted once budget is exhausted")
	}
	if !large.ContentOmitted || large.NewContent != "" || large.OldContent != "" {
		t.Errorf("expected content cleared on omission, got %+v", large)
	}
	if large.Additions != 3 || large.Deletions != 1 {
		t.Errorf("expected additions/deletions preserved across omission, got %+v", large)
	}
}

func TestApplyContentPolicyStatsOnlyForcesOmission(t *testing.T) {
	b := newBudget()
	fd := gitservice.FileDiff{NewContent: "tiny", Additions: 1}
	if omitted := applyContentPolicy(&fd, b, true); !omitted {
		t.Errorf("expected stats_only to force omission regardless of budget")
	}
	if fd.Additions != 1 {
		t.Errorf("expected additions preserved under stats_only, got %d", fd.Additions)
	}
}

func TestApplyContentPolicyBinaryAlwaysOmitted(t *testing.T) {
	b := newBudget()
	fd := gitservice.FileDiff{Binary: true, NewContent: "\x00\x01"}
	if omitted := applyContentPolicy(&fd, b, false); !omitted {
		t.Errorf("expected binary diff to always omit content")
	}
	if fd.NewContent != "" {
		t.Errorf("expected binary content cleared")
	}
}

func TestRepoFilterRestrictsEmission(t *testing.T) {
	repoA := initRepo(t)
	writeFile(t, repoA, "a.txt", "1\n")
	repoB := initRepo(t)
	writeFile(t, repoB, "b.txt", "1\n")

	svc := gitservice.New()
	ctx := context.Background()
	if _, err := svc.CommitAll(ctx, repoA, "initial"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitAll(ctx, repoB, "initial"); err != nil {
		t.Fatal(err)
	}
	runGit(t, repoA, "branch", "base")
	runGit(t, repoB, "branch", "base")
	writeFile(t, repoA, "a.txt", "1\n2\n")
	writeFile(t, repoB, "b.txt", "1\n2\n")
	if _, err := svc.CommitAll(ctx, repoA, "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitAll(ctx, repoB, "second"); err != nil {
		t.Fatal(err)
	}

	idA, idB := uuid.New(), uuid.New()
	rcA := repoContext(idA, repoA, repoA, true)
	rcB := repoContext(idB, repoB, repoB, false)

	streamer := New(svc)
	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	streamCh, err := streamer.Open(runCtx, AttemptRef{Branch: "main", BaseBranch: "base"}, []reposolver.RepositoryContext{rcA, rcB}, nil, OpenOptions{RepoFilter: idA})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for {
		select {
		case msg, ok := <-streamCh:
			if !ok {
				return
			}
			if msg.Kind == PatchAddDiff && msg.RepositoryID != idA {
				t.Fatalf("expected emissions restricted to repo %s, got %s", idA, msg.RepositoryID)
			}
		case <-time.After(3 * time.Second):
			return
		}
	}
}

func TestReconcileEmitsAddThenRemove(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "1\n")
	svc := gitservice.New()
	ctx := context.Background()
	base, err := svc.CommitAll(ctx, repo, "initial")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, repo, "b.txt", "new\n")

	repoID := uuid.New()
	rc := repoContext(repoID, repo, repo, true)

	streamer := New(svc)
	b := newBudget()
	known := map[string]bool{}
	ch := make(chan Message, 8)

	var knownMu sync.Mutex
	streamer.reconcile(ctx, rc, base, []string{"b.txt"}, b, OpenOptions{}, ch, known, &knownMu)
	close(ch)

	var sawAdd bool
	for msg := range ch {
		if msg.Kind == PatchAddDiff && msg.Path == "b.txt" {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Fatalf("expected add_diff for newly created file b.txt")
	}
	if !known["b.txt"] {
		t.Errorf("expected b.txt recorded as known with full content")
	}

	if err := os.Remove(filepath.Join(repo, "b.txt")); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "add", "-A")

	ch2 := make(chan Message, 8)
	streamer.reconcile(ctx, rc, base, []string{"b.txt"}, b, OpenOptions{}, ch2, known, &knownMu)
	close(ch2)

	var sawRemove bool
	for msg := range ch2 {
		if msg.Kind == PatchRemoveDiff && msg.Path == "b.txt" {
			sawRemove = true
		}
	}
	if !sawRemove {
		t.Fatalf("expected remove_diff once b.txt's changes were reverted")
	}
	if _, stillKnown := known["b.txt"]; stillKnown {
		t.Errorf("expected b.txt cleared from known set after remove_diff")
	}
}
