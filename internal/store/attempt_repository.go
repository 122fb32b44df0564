package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/reposolver"
)

// TaskAttemptRepository is a persisted join row between an attempt and one
// of its project repositories.
type TaskAttemptRepository struct {
	ID                  uuid.UUID
	AttemptID           uuid.UUID
	ProjectRepositoryID uuid.UUID
	IsPrimary           bool
	ContainerRef        *string
	Branch              *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ListAttemptRepositories returns an attempt's join rows.
func (s *Store) ListAttemptRepositories(attemptID uuid.UUID) ([]TaskAttemptRepository, error) {
	rows, err := s.db.Query(
		`SELECT id, attempt_id, project_repository_id, is_primary, container_ref, branch, created_at, updated_at
		 FROM task_attempt_repositories WHERE attempt_id = ?`, attemptID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAttemptRepository
	for rows.Next() {
		var r TaskAttemptRepository
		var idStr, attemptIDStr, repoIDStr string
		if err := rows.Scan(&idStr, &attemptIDStr, &repoIDStr, &r.IsPrimary, &r.ContainerRef, &r.Branch, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		aID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			return nil, err
		}
		rID, err := uuid.Parse(repoIDStr)
		if err != nil {
			return nil, err
		}
		r.ID, r.AttemptID, r.ProjectRepositoryID = id, aID, rID
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAttemptRepositoryWorktree sets one attempt-repository row's
// container_ref and branch, used for non-primary (secondary) repositories
// since UpdateContainerRef/UpdateBranch only touch the primary row.
func (s *Store) UpdateAttemptRepositoryWorktree(id uuid.UUID, containerRef, branch *string) error {
	res, err := s.db.Exec(
		`UPDATE task_attempt_repositories SET container_ref = ?, branch = ?, updated_at = ? WHERE id = ?`,
		containerRef, branch, time.Now().UTC(), id.String(),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ResolveRepositoryContexts loads everything RepositoryResolver needs for
// an attempt and runs reposolver.Resolve over it.
func (s *Store) ResolveRepositoryContexts(attemptID uuid.UUID) ([]reposolver.RepositoryContext, error) {
	attempt, err := s.GetTaskAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	var projectID string
	if err := s.db.QueryRow(`SELECT project_id FROM tasks WHERE id = ?`, attempt.TaskID.String()).Scan(&projectID); err != nil {
		return nil, err
	}

	projectRepos, err := s.ListProjectRepositories(uuid.MustParse(projectID))
	if err != nil {
		return nil, err
	}
	attemptRepos, err := s.ListAttemptRepositories(attemptID)
	if err != nil {
		return nil, err
	}

	return reposolver.Resolve(toResolverProjectRepos(projectRepos), toResolverAttemptRepos(attemptRepos))
}

func toResolverProjectRepos(repos []ProjectRepository) []reposolver.ProjectRepo {
	out := make([]reposolver.ProjectRepo, len(repos))
	for i, r := range repos {
		out[i] = reposolver.ProjectRepo{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Name:      r.Name,
			Path:      r.Path,
			RootPath:  r.RootPath,
			IsPrimary: r.IsPrimary,
			CreatedAt: r.CreatedAt,
		}
	}
	return out
}

func toResolverAttemptRepos(repos []TaskAttemptRepository) []reposolver.AttemptRepo {
	out := make([]reposolver.AttemptRepo, len(repos))
	for i, r := range repos {
		out[i] = reposolver.AttemptRepo{
			ProjectRepositoryID: r.ProjectRepositoryID,
			ContainerRef:        r.ContainerRef,
			Branch:              r.Branch,
			IsPrimary:           r.IsPrimary,
		}
	}
	return out
}
