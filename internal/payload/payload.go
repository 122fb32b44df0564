// Package payload builds the ExecutorPayload handed to every spawned
// child process: per-repository metadata plus the flat VIBE_* environment
// contract that lets a child parse either the single VIBE_EXECUTOR_PAYLOAD
// JSON document or individual env vars, whichever is more convenient for
// that executor's language/runtime.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/namederive"
	"github.com/forgecrew/attemptkit/internal/reposolver"
)

// CurrentVersion is the ExecutorPayload schema version. Bump it only on
// breaking changes to the env contract or JSON shape.
const CurrentVersion = 1

// ErrPrimaryMissing is returned when no resolved repository context is
// marked primary; Build cannot produce a payload without one since
// VIBE_PRIMARY_REPOSITORY_ID is part of the stable contract.
var ErrPrimaryMissing = errors.New("payload: no primary repository")

// RepositoryContext mirrors the original's ExecutorRepositoryContext: the
// subset of a resolved repository that is safe and useful to hand to a
// child process.
type RepositoryContext struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	WorktreePath string    `json:"worktree_path"`
	RootPath     string    `json:"root_path"`
	Branch       *string   `json:"branch,omitempty"`
	IsPrimary    bool      `json:"is_primary"`
}

// ExecutorPayload is the versioned document shared with executor
// processes, both as a Go value and serialized into VIBE_EXECUTOR_PAYLOAD.
type ExecutorPayload struct {
	Version             uint32               `json:"version"`
	AttemptID           uuid.UUID            `json:"attempt_id"`
	PrimaryRepositoryID uuid.UUID            `json:"primary_repository_id"`
	Repositories        []RepositoryContext  `json:"repositories"`
	Env                 map[string]string    `json:"env"`
}

// Build assembles an ExecutorPayload (and its flat env map) from the
// repository contexts RepositoryResolver produced for attemptID.
func Build(attemptID uuid.UUID, contexts []reposolver.RepositoryContext) (*ExecutorPayload, error) {
	var primaryID uuid.UUID
	var havePrimary bool
	for _, c := range contexts {
		if c.IsPrimary {
			primaryID = c.ProjectRepo.ID
			havePrimary = true
			break
		}
	}
	if !havePrimary {
		return nil, ErrPrimaryMissing
	}

	repos := make([]RepositoryContext, 0, len(contexts))
	env := make(map[string]string)
	prefixes := make([]string, 0, len(contexts))

	for _, c := range contexts {
		slug := namederive.RepoSlug(namederive.RepoRef{ID: c.ProjectRepo.ID, Name: c.ProjectRepo.Name})
		prefix := namederive.RepoEnvPrefix(slug)
		prefixes = append(prefixes, prefix)

		var branch *string
		if c.EffectiveBranchName != "" {
			b := c.EffectiveBranchName
			branch = &b
		}

		repos = append(repos, RepositoryContext{
			ID:           c.ProjectRepo.ID,
			Name:         c.ProjectRepo.Name,
			Slug:         slug,
			WorktreePath: c.EffectiveWorktreePath,
			RootPath:     c.ProjectRepo.RootPath,
			Branch:       branch,
			IsPrimary:    c.IsPrimary,
		})

		isPrimaryFlag := "0"
		if c.IsPrimary {
			isPrimaryFlag = "1"
		}

		setRepoEnv(env, prefix, c.ProjectRepo.ID.String(), c.EffectiveWorktreePath, c.ProjectRepo.RootPath, c.EffectiveBranchName, c.ProjectRepo.Name, isPrimaryFlag)

		if c.IsPrimary {
			env["VIBE_PRIMARY_REPOSITORY_ID"] = c.ProjectRepo.ID.String()
			env["VIBE_PRIMARY_REPO_PREFIX"] = prefix
			setRepoEnv(env, "PRIMARY_REPO", "", c.EffectiveWorktreePath, c.ProjectRepo.RootPath, c.EffectiveBranchName, c.ProjectRepo.Name, "")
		}
	}

	env["VIBE_EXECUTOR_PAYLOAD_VERSION"] = strconv.Itoa(CurrentVersion)
	env["VIBE_REPOSITORY_COUNT"] = strconv.Itoa(len(contexts))
	env["VIBE_REPOSITORIES"] = joinCommas(prefixes)
	env["VIBE_TASK_ATTEMPT_ID"] = attemptID.String()

	p := &ExecutorPayload{
		Version:             CurrentVersion,
		AttemptID:           attemptID,
		PrimaryRepositoryID: primaryID,
		Repositories:        repos,
		Env:                 env,
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload: marshaling ExecutorPayload: %w", err)
	}
	env["VIBE_EXECUTOR_PAYLOAD"] = string(encoded)

	return p, nil
}

// setRepoEnv writes the VIBE_REPO_<PREFIX>_* family of keys. When prefix
// is "PRIMARY_REPO" the id/is_primary fields are omitted, matching
// VIBE_PRIMARY_REPO_{PATH,ROOT,BRANCH,NAME} from the env contract (the ID
// and primary flag live on VIBE_PRIMARY_REPOSITORY_ID alone).
func setRepoEnv(env map[string]string, prefix, id, worktreePath, rootPath, branch, name, isPrimary string) {
	key := func(suffix string) string { return "VIBE_REPO_" + prefix + "_" + suffix }
	if prefix == "PRIMARY_REPO" {
		key = func(suffix string) string { return "VIBE_PRIMARY_REPO_" + suffix }
	}

	if id != "" {
		env[key("ID")] = id
	}
	env[key("PATH")] = worktreePath
	env[key("ROOT")] = rootPath
	env[key("BRANCH")] = branch
	env[key("NAME")] = name
	if isPrimary != "" {
		env[key("IS_PRIMARY")] = isPrimary
	}
}

func joinCommas(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

// EnvSlice returns the os/exec-ready []string form ("KEY=VALUE") of p.Env, for
// callers that need to append it to exec.Cmd.Env.
func (p *ExecutorPayload) EnvSlice() []string {
	out := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		out = append(out, k+"="+v)
	}
	return out
}
