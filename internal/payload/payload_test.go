package payload

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/reposolver"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestBuildNoPrimaryFails(t *testing.T) {
	attemptID := mustUUID(t)
	contexts := []reposolver.RepositoryContext{
		{ProjectRepo: reposolver.ProjectRepo{ID: mustUUID(t), Name: "a"}, IsPrimary: false},
	}

	_, err := Build(attemptID, contexts)
	if err != ErrPrimaryMissing {
		t.Fatalf("expected ErrPrimaryMissing, got %v", err)
	}
}

func TestBuildSingleRepo(t *testing.T) {
	attemptID := mustUUID(t)
	repoID := mustUUID(t)
	branch := "vk/abcd-fix"

	contexts := []reposolver.RepositoryContext{
		{
			ProjectRepo: reposolver.ProjectRepo{
				ID:   repoID,
				Name: "my-service",
			},
			EffectiveWorktreePath: "/worktrees/abcd-fix",
			EffectiveBranchName:   branch,
			IsPrimary:             true,
		},
	}

	p, err := Build(attemptID, contexts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if p.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", p.Version, CurrentVersion)
	}
	if p.AttemptID != attemptID {
		t.Errorf("AttemptID mismatch")
	}
	if p.PrimaryRepositoryID != repoID {
		t.Errorf("PrimaryRepositoryID mismatch")
	}
	if len(p.Repositories) != 1 {
		t.Fatalf("expected 1 repository, got %d", len(p.Repositories))
	}
	if p.Repositories[0].Branch == nil || *p.Repositories[0].Branch != branch {
		t.Errorf("expected branch %s, got %v", branch, p.Repositories[0].Branch)
	}

	env := p.Env
	if env["VIBE_EXECUTOR_PAYLOAD_VERSION"] != "1" {
		t.Errorf("VIBE_EXECUTOR_PAYLOAD_VERSION = %s", env["VIBE_EXECUTOR_PAYLOAD_VERSION"])
	}
	if env["VIBE_REPOSITORY_COUNT"] != "1" {
		t.Errorf("VIBE_REPOSITORY_COUNT = %s", env["VIBE_REPOSITORY_COUNT"])
	}
	if env["VIBE_TASK_ATTEMPT_ID"] != attemptID.String() {
		t.Errorf("VIBE_TASK_ATTEMPT_ID mismatch")
	}
	if env["VIBE_PRIMARY_REPOSITORY_ID"] != repoID.String() {
		t.Errorf("VIBE_PRIMARY_REPOSITORY_ID mismatch")
	}
	if env["VIBE_PRIMARY_REPO_PATH"] != "/worktrees/abcd-fix" {
		t.Errorf("VIBE_PRIMARY_REPO_PATH = %s", env["VIBE_PRIMARY_REPO_PATH"])
	}
	if env["VIBE_PRIMARY_REPO_BRANCH"] != branch {
		t.Errorf("VIBE_PRIMARY_REPO_BRANCH = %s", env["VIBE_PRIMARY_REPO_BRANCH"])
	}
	if env["VIBE_PRIMARY_REPO_PREFIX"] == "" {
		t.Errorf("expected VIBE_PRIMARY_REPO_PREFIX to be set")
	}

	prefix := env["VIBE_REPOSITORIES"]
	if prefix == "" {
		t.Fatalf("expected VIBE_REPOSITORIES to be set")
	}
	if env["VIBE_REPO_"+prefix+"_IS_PRIMARY"] != "1" {
		t.Errorf("expected VIBE_REPO_%s_IS_PRIMARY=1", prefix)
	}
	if env["VIBE_REPO_"+prefix+"_ID"] != repoID.String() {
		t.Errorf("expected VIBE_REPO_%s_ID to match repo id", prefix)
	}

	raw, ok := env["VIBE_EXECUTOR_PAYLOAD"]
	if !ok {
		t.Fatalf("expected VIBE_EXECUTOR_PAYLOAD to be set")
	}
	var roundTrip ExecutorPayload
	if err := json.Unmarshal([]byte(raw), &roundTrip); err != nil {
		t.Fatalf("VIBE_EXECUTOR_PAYLOAD did not round-trip as JSON: %v", err)
	}
	if roundTrip.AttemptID != attemptID {
		t.Errorf("round-tripped AttemptID mismatch")
	}
}

func TestBuildMultipleReposCountAndPrefixList(t *testing.T) {
	attemptID := mustUUID(t)

	contexts := []reposolver.RepositoryContext{
		{ProjectRepo: reposolver.ProjectRepo{ID: mustUUID(t), Name: "primary-repo"}, EffectiveWorktreePath: "/w/1", IsPrimary: true},
		{ProjectRepo: reposolver.ProjectRepo{ID: mustUUID(t), Name: "secondary-repo"}, EffectiveWorktreePath: "/w/2", IsPrimary: false},
	}

	p, err := Build(attemptID, contexts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if p.Env["VIBE_REPOSITORY_COUNT"] != "2" {
		t.Errorf("VIBE_REPOSITORY_COUNT = %s, want 2", p.Env["VIBE_REPOSITORY_COUNT"])
	}

	prefixCount := 0
	for range p.Repositories {
		prefixCount++
	}
	if prefixCount != 2 {
		t.Errorf("expected 2 repositories in payload, got %d", prefixCount)
	}

	if p.Env["VIBE_REPOSITORIES"] == "" {
		t.Errorf("expected non-empty VIBE_REPOSITORIES")
	}
}

func TestEnvSliceFormat(t *testing.T) {
	attemptID := mustUUID(t)
	contexts := []reposolver.RepositoryContext{
		{ProjectRepo: reposolver.ProjectRepo{ID: mustUUID(t), Name: "a"}, EffectiveWorktreePath: "/w", IsPrimary: true},
	}
	p, err := Build(attemptID, contexts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	slice := p.EnvSlice()
	if len(slice) != len(p.Env) {
		t.Errorf("EnvSlice length = %d, want %d", len(slice), len(p.Env))
	}
	for _, entry := range slice {
		if !containsEquals(entry) {
			t.Errorf("EnvSlice entry %q missing '='", entry)
		}
	}
}

func containsEquals(s string) bool {
	for _, r := range s {
		if r == '=' {
			return true
		}
	}
	return false
}
