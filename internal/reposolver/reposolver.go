// Package reposolver resolves which repositories belong to a task
// attempt, identifies the primary among them, and attributes a changed
// file path back to the repository it belongs to. It is pure logic over
// already-loaded rows — internal/store owns the queries that produce the
// ProjectRepo/AttemptRepo inputs — so every resolution path here is
// unit-testable without a database.
package reposolver

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoRepositoriesConfigured is returned when a project has zero
// repositories; every attempt requires at least the auto-seeded primary.
var ErrNoRepositoriesConfigured = errors.New("reposolver: no repositories configured for project")

// ProjectRepo is the subset of a ProjectRepository row the resolver needs.
type ProjectRepo struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Path      string
	RootPath  string
	IsPrimary bool
	CreatedAt time.Time
}

// AttemptRepo is the subset of a TaskAttemptRepository join row the
// resolver needs. ContainerRef and Branch are nil when the worktree for
// this repository has not been materialized yet.
type AttemptRepo struct {
	ProjectRepositoryID uuid.UUID
	ContainerRef        *string
	Branch              *string
	IsPrimary           bool
}

// RepositoryContext is one repository's resolved view within an attempt:
// its static project-level metadata joined with whatever attempt-specific
// worktree/branch state exists, plus whether it is the attempt's primary.
type RepositoryContext struct {
	ProjectRepo           ProjectRepo
	AttemptRepo           *AttemptRepo
	EffectiveWorktreePath string
	EffectiveBranchName   string
	IsPrimary             bool
}

// Resolve builds the ordered set of RepositoryContext for an attempt.
// projectRepos need not be pre-sorted; Resolve sorts them
// is_primary DESC, created_at ASC before joining in attemptRepos, then
// returns the result sorted by descending RootPath length so that
// AttributeDiff's longest-prefix match is simply "first match wins".
//
// The primary is whichever attempt-repo row is tagged is_primary; if none
// is, it falls back to the project-level primary, then to the first
// repository in is_primary/created_at order.
func Resolve(projectRepos []ProjectRepo, attemptRepos []AttemptRepo) ([]RepositoryContext, error) {
	if len(projectRepos) == 0 {
		return nil, ErrNoRepositoriesConfigured
	}

	sorted := make([]ProjectRepo, len(projectRepos))
	copy(sorted, projectRepos)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsPrimary != sorted[j].IsPrimary {
			return sorted[i].IsPrimary
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	attemptByRepo := make(map[uuid.UUID]*AttemptRepo, len(attemptRepos))
	for i := range attemptRepos {
		attemptByRepo[attemptRepos[i].ProjectRepositoryID] = &attemptRepos[i]
	}

	primaryID := choosePrimary(sorted, attemptRepos)

	contexts := make([]RepositoryContext, 0, len(sorted))
	for _, pr := range sorted {
		ar := attemptByRepo[pr.ID]

		ctx := RepositoryContext{
			ProjectRepo: pr,
			AttemptRepo: ar,
			IsPrimary:   pr.ID == primaryID,
		}
		ctx.EffectiveWorktreePath = pr.Path
		ctx.EffectiveBranchName = ""
		if ar != nil {
			if ar.ContainerRef != nil {
				ctx.EffectiveWorktreePath = *ar.ContainerRef
			}
			if ar.Branch != nil {
				ctx.EffectiveBranchName = *ar.Branch
			}
		}

		contexts = append(contexts, ctx)
	}

	sort.SliceStable(contexts, func(i, j int) bool {
		return len(contexts[i].ProjectRepo.RootPath) > len(contexts[j].ProjectRepo.RootPath)
	})

	return contexts, nil
}

func choosePrimary(sortedProjectRepos []ProjectRepo, attemptRepos []AttemptRepo) uuid.UUID {
	for _, ar := range attemptRepos {
		if ar.IsPrimary {
			return ar.ProjectRepositoryID
		}
	}
	for _, pr := range sortedProjectRepos {
		if pr.IsPrimary {
			return pr.ID
		}
	}
	return sortedProjectRepos[0].ID
}

// AttributeDiff returns the RepositoryContext a changed file path belongs
// to, given contexts as returned by Resolve (which are already sorted by
// descending root-path length, making this a first-match search). Falls
// back to the primary context if no root_path matches.
func AttributeDiff(contexts []RepositoryContext, path string) (RepositoryContext, bool) {
	normalized := normalizeDiffPath(path)

	for _, c := range contexts {
		root := c.ProjectRepo.RootPath
		switch {
		case root == "":
			return c, true
		case normalized == root:
			return c, true
		case strings.HasPrefix(normalized, root+"/"):
			return c, true
		}
	}

	for _, c := range contexts {
		if c.IsPrimary {
			return c, true
		}
	}
	return RepositoryContext{}, false
}

func normalizeDiffPath(path string) string {
	p := strings.TrimPrefix(path, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}
