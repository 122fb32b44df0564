package reaper

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgecrew/attemptkit/internal/config"
	"github.com/forgecrew/attemptkit/internal/executor"
	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/store"
	"github.com/forgecrew/attemptkit/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
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

type fixture struct {
	s       *store.Store
	dbPath  string
	wm      *worktree.Manager
	baseDir string
	repo    string
	attempt *store.TaskAttempt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "attemptkit.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	repo := initRepo(t)
	project := &store.Project{Name: "demo"}
	if err := s.CreateProject(project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	pr := &store.ProjectRepository{ProjectID: project.ID, Name: "primary", Path: repo, IsPrimary: true}
	if err := s.CreateProjectRepository(pr); err != nil {
		t.Fatalf("CreateProjectRepository: %v", err)
	}
	task := &store.Task{ProjectID: project.ID, Title: "Fix the bug"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	attempt := &store.TaskAttempt{TaskID: task.ID, BaseBranch: "main", Executor: "claude-code"}
	if err := s.CreateTaskAttempt(attempt, nil); err != nil {
		t.Fatalf("CreateTaskAttempt: %v", err)
	}

	base := t.TempDir()
	wm := worktree.NewManager(base)

	return &fixture{s: s, dbPath: dbPath, wm: wm, baseDir: base, repo: repo, attempt: attempt}
}

// ageAttemptUpdatedAt backdates the attempt row's updated_at directly,
// bypassing the Store's own API (which always stamps "now"), so a test
// can simulate an attempt that has been idle for a long time.
func (f *fixture) ageAttemptUpdatedAt(t *testing.T, when time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite3", f.dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE task_attempts SET updated_at = ? WHERE id = ?`, when, f.attempt.ID.String()); err != nil {
		t.Fatalf("backdating attempt updated_at: %v", err)
	}
}

func (f *fixture) materializeWorktree(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.baseDir, "attempt-wt")
	if err := f.wm.CreateWorktree(context.Background(), f.repo, "vk/attempt", path, "main", true); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := f.s.UpdateContainerRef(f.attempt.ID, &path); err != nil {
		t.Fatalf("UpdateContainerRef: %v", err)
	}
	branch := "vk/attempt"
	if err := f.s.UpdateBranch(f.attempt.ID, &branch); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}
	return path
}

func TestExternalDeletionSweepMarksMissingWorktree(t *testing.T) {
	fx := newFixture(t)
	path := fx.materializeWorktree(t)

	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	r := New(fx.s, fx.wm, gitservice.New(), &config.ReaperConfig{Schedule: "@every 30m", ExpireAfterHours: 72})
	if err := r.externalDeletionSweep(context.Background()); err != nil {
		t.Fatalf("externalDeletionSweep: %v", err)
	}

	updated, err := fx.s.GetTaskAttempt(fx.attempt.ID)
	if err != nil {
		t.Fatalf("GetTaskAttempt: %v", err)
	}
	if !updated.WorktreeDeleted {
		t.Errorf("expected worktree_deleted=true after the directory vanished")
	}
	if updated.ContainerRef != nil {
		t.Errorf("expected container_ref cleared, got %+v", updated.ContainerRef)
	}
}

func TestExternalDeletionSweepIgnoresPresentWorktree(t *testing.T) {
	fx := newFixture(t)
	fx.materializeWorktree(t)

	r := New(fx.s, fx.wm, gitservice.New(), &config.ReaperConfig{Schedule: "@every 30m", ExpireAfterHours: 72})
	if err := r.externalDeletionSweep(context.Background()); err != nil {
		t.Fatalf("externalDeletionSweep: %v", err)
	}

	updated, err := fx.s.GetTaskAttempt(fx.attempt.ID)
	if err != nil {
		t.Fatalf("GetTaskAttempt: %v", err)
	}
	if updated.WorktreeDeleted {
		t.Errorf("expected worktree_deleted=false while the directory is present")
	}
}

func TestExpirationSweepReapsInactiveAttempt(t *testing.T) {
	fx := newFixture(t)
	path := fx.materializeWorktree(t)

	// A negative window pushes the cutoff into the future, so every
	// attempt updated so far (i.e. all of them) is "inactive since before
	// the cutoff" without needing to sleep past a real expiration window.
	r := New(fx.s, fx.wm, gitservice.New(), &config.ReaperConfig{Schedule: "@every 30m", ExpireAfterHours: -1})
	if err := r.expirationSweep(context.Background()); err != nil {
		t.Fatalf("expirationSweep: %v", err)
	}

	updated, err := fx.s.GetTaskAttempt(fx.attempt.ID)
	if err != nil {
		t.Fatalf("GetTaskAttempt: %v", err)
	}
	if !updated.WorktreeDeleted {
		t.Errorf("expected attempt to be reaped as expired")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory to be removed, stat err = %v", err)
	}
}

func TestExpirationSweepSurvivesOnRecentExecutionActivity(t *testing.T) {
	fx := newFixture(t)
	fx.materializeWorktree(t)

	// Backdate the attempt row itself well past any real expiration
	// window, so the attempt would be reaped if last activity were
	// measured from task_attempts.updated_at alone.
	fx.ageAttemptUpdatedAt(t, time.Now().UTC().Add(-1000*time.Hour))

	action := &executor.Action{
		Kind:   executor.KindScript,
		Script: &executor.ScriptRequest{Reason: executor.RunReasonSetupScript, Command: "true"},
	}
	proc, err := fx.s.CreateExecutionProcess(fx.attempt.ID, action)
	if err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	if err := fx.s.FinishExecutionProcess(proc.ID, store.ExecutionProcessCompleted, 0, nil); err != nil {
		t.Fatalf("FinishExecutionProcess: %v", err)
	}

	r := New(fx.s, fx.wm, gitservice.New(), &config.ReaperConfig{Schedule: "@every 30m", ExpireAfterHours: 72})
	if err := r.expirationSweep(context.Background()); err != nil {
		t.Fatalf("expirationSweep: %v", err)
	}

	updated, err := fx.s.GetTaskAttempt(fx.attempt.ID)
	if err != nil {
		t.Fatalf("GetTaskAttempt: %v", err)
	}
	if updated.WorktreeDeleted {
		t.Errorf("expected attempt with a recently completed execution to survive the sweep")
	}
}

func TestOrphanSweepRemovesUnknownDirectories(t *testing.T) {
	fx := newFixture(t)
	fx.materializeWorktree(t)

	orphan := filepath.Join(fx.baseDir, "orphan-dir")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	r := New(fx.s, fx.wm, gitservice.New(), &config.ReaperConfig{Schedule: "@every 30m", ExpireAfterHours: 72})
	r.OrphanSweep(context.Background())

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("expected orphan directory to be removed, stat err = %v", err)
	}
}
