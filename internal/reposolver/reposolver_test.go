package reposolver

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestResolveNoRepositories(t *testing.T) {
	_, err := Resolve(nil, nil)
	if err != ErrNoRepositoriesConfigured {
		t.Fatalf("expected ErrNoRepositoriesConfigured, got %v", err)
	}
}

func TestResolveOrdersByPrimaryThenCreatedAt(t *testing.T) {
	now := time.Now()
	secondary := ProjectRepo{ID: mustUUID(t), Name: "secondary", IsPrimary: false, CreatedAt: now}
	primary := ProjectRepo{ID: mustUUID(t), Name: "primary", IsPrimary: true, CreatedAt: now.Add(time.Hour)}

	contexts, err := Resolve([]ProjectRepo{secondary, primary}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(contexts))
	}
	if contexts[0].ProjectRepo.ID != primary.ID {
		t.Errorf("expected the is_primary repo first, got %s", contexts[0].ProjectRepo.Name)
	}
	if !contexts[0].IsPrimary && !contexts[1].IsPrimary {
		t.Fatalf("expected exactly one context marked primary")
	}
	var primaryCount int
	for _, c := range contexts {
		if c.IsPrimary {
			primaryCount++
			if c.ProjectRepo.ID != primary.ID {
				t.Errorf("expected primary context to be the is_primary repo")
			}
		}
	}
	if primaryCount != 1 {
		t.Errorf("expected exactly 1 primary context, got %d", primaryCount)
	}
}

func TestResolveAttemptLevelPrimaryOverride(t *testing.T) {
	repoA := ProjectRepo{ID: mustUUID(t), Name: "a", IsPrimary: true, CreatedAt: time.Now()}
	repoB := ProjectRepo{ID: mustUUID(t), Name: "b", IsPrimary: false, CreatedAt: time.Now()}

	attemptRepos := []AttemptRepo{
		{ProjectRepositoryID: repoA.ID, IsPrimary: false},
		{ProjectRepositoryID: repoB.ID, IsPrimary: true},
	}

	contexts, err := Resolve([]ProjectRepo{repoA, repoB}, attemptRepos)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, c := range contexts {
		if c.ProjectRepo.ID == repoB.ID && !c.IsPrimary {
			t.Errorf("expected repoB to be primary at attempt level")
		}
		if c.ProjectRepo.ID == repoA.ID && c.IsPrimary {
			t.Errorf("expected repoA to not be primary given attempt override")
		}
	}
}

func TestResolveFallsBackToFirstRepoWhenNoPrimaryTagged(t *testing.T) {
	repoA := ProjectRepo{ID: mustUUID(t), Name: "a", IsPrimary: false, CreatedAt: time.Now()}
	repoB := ProjectRepo{ID: mustUUID(t), Name: "b", IsPrimary: false, CreatedAt: time.Now().Add(time.Hour)}

	contexts, err := Resolve([]ProjectRepo{repoA, repoB}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var primary RepositoryContext
	for _, c := range contexts {
		if c.IsPrimary {
			primary = c
		}
	}
	if primary.ProjectRepo.ID != repoA.ID {
		t.Errorf("expected repoA (earliest created_at) to be fallback primary, got %s", primary.ProjectRepo.Name)
	}
}

func TestResolveEffectiveWorktreePathAndBranch(t *testing.T) {
	repo := ProjectRepo{ID: mustUUID(t), Name: "a", Path: "/repos/a", IsPrimary: true, CreatedAt: time.Now()}
	containerRef := "/worktrees/attempt-1"
	branch := "vk/abcd-fix"

	attemptRepos := []AttemptRepo{
		{ProjectRepositoryID: repo.ID, ContainerRef: &containerRef, Branch: &branch, IsPrimary: true},
	}

	contexts, err := Resolve([]ProjectRepo{repo}, attemptRepos)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if contexts[0].EffectiveWorktreePath != containerRef {
		t.Errorf("EffectiveWorktreePath = %s, want %s", contexts[0].EffectiveWorktreePath, containerRef)
	}
	if contexts[0].EffectiveBranchName != branch {
		t.Errorf("EffectiveBranchName = %s, want %s", contexts[0].EffectiveBranchName, branch)
	}
}

func TestResolveNotMaterializedFallsBackToRepoPath(t *testing.T) {
	repo := ProjectRepo{ID: mustUUID(t), Name: "a", Path: "/repos/a", IsPrimary: true, CreatedAt: time.Now()}

	contexts, err := Resolve([]ProjectRepo{repo}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if contexts[0].EffectiveWorktreePath != "/repos/a" {
		t.Errorf("expected fallback to repo path, got %s", contexts[0].EffectiveWorktreePath)
	}
	if contexts[0].EffectiveBranchName != "" {
		t.Errorf("expected empty branch name, got %s", contexts[0].EffectiveBranchName)
	}
}

func TestAttributeDiffLongestPrefixWins(t *testing.T) {
	root := ProjectRepo{ID: mustUUID(t), Name: "root", RootPath: "", IsPrimary: true, CreatedAt: time.Now()}
	sub := ProjectRepo{ID: mustUUID(t), Name: "sub", RootPath: "packages/sub", CreatedAt: time.Now()}
	deeper := ProjectRepo{ID: mustUUID(t), Name: "deeper", RootPath: "packages/sub/deeper", CreatedAt: time.Now()}

	contexts, err := Resolve([]ProjectRepo{root, sub, deeper}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"packages/sub/deeper/file.go", "deeper"},
		{"packages/sub/file.go", "sub"},
		{"other/file.go", "root"},
		{"./other/file.go", "root"},
		{"/other/file.go", "root"},
		{"packages/sub", "sub"},
	}

	for _, tt := range tests {
		ctx, ok := AttributeDiff(contexts, tt.path)
		if !ok {
			t.Fatalf("AttributeDiff(%q) = not found", tt.path)
		}
		if ctx.ProjectRepo.Name != tt.want {
			t.Errorf("AttributeDiff(%q) = %s, want %s", tt.path, ctx.ProjectRepo.Name, tt.want)
		}
	}
}

func TestAttributeDiffFallsBackToPrimaryWhenNoMatch(t *testing.T) {
	sub := ProjectRepo{ID: mustUUID(t), Name: "sub", RootPath: "packages/sub", IsPrimary: true, CreatedAt: time.Now()}

	contexts, err := Resolve([]ProjectRepo{sub}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ctx, ok := AttributeDiff(contexts, "unrelated/path.go")
	if !ok {
		t.Fatalf("expected fallback match")
	}
	if !ctx.IsPrimary {
		t.Errorf("expected fallback to the primary context")
	}
}
