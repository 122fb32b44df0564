package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectRepository is a persisted ProjectRepository row.
type ProjectRepository struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Path      string
	RootPath  string
	IsPrimary bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// normalizeRootPath rejects absolute paths, "./" prefixes, and ".." escapes,
// and strips a trailing slash so root_path comparisons are stable.
func normalizeRootPath(root string) (string, error) {
	if root == "" {
		return "", nil
	}
	if strings.HasPrefix(root, "/") || strings.HasPrefix(root, "./") {
		return "", validationErrorf("root_path must be relative and not start with './' or '/'")
	}
	for _, seg := range strings.Split(root, "/") {
		if seg == ".." {
			return "", validationErrorf("root_path must not contain '..' segments")
		}
	}
	return strings.TrimSuffix(root, "/"), nil
}

// CreateProjectRepository inserts a repository row, enforcing the name and
// path uniqueness invariants and, when is_primary is requested, atomically
// demoting every sibling project repository and re-syncing attempt rows.
func (s *Store) CreateProjectRepository(pr *ProjectRepository) error {
	if strings.TrimSpace(pr.Name) == "" {
		return validationErrorf("repository name must not be empty")
	}
	if strings.TrimSpace(pr.Path) == "" {
		return validationErrorf("repository path must not be empty")
	}
	root, err := normalizeRootPath(pr.RootPath)
	if err != nil {
		return err
	}
	pr.RootPath = root

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkRepoUniqueness(tx, pr.ProjectID, pr.ID, pr.Name, pr.Path, pr.RootPath); err != nil {
		return err
	}

	if pr.ID == uuid.Nil {
		pr.ID = uuid.New()
	}
	now := time.Now().UTC()
	pr.CreatedAt, pr.UpdatedAt = now, now

	if pr.IsPrimary {
		if err := demoteOtherPrimaries(tx, pr.ProjectID, pr.ID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO project_repositories (id, project_id, name, path, root_path, is_primary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID.String(), pr.ProjectID.String(), pr.Name, pr.Path, pr.RootPath, pr.IsPrimary, pr.CreatedAt, pr.UpdatedAt,
	); err != nil {
		return err
	}

	if err := ensureAttemptMembership(tx, pr.ProjectID, pr.ID, pr.IsPrimary); err != nil {
		return err
	}
	if err := resyncAttemptPrimaries(tx, pr.ProjectID); err != nil {
		return err
	}

	return tx.Commit()
}

func checkRepoUniqueness(tx *sql.Tx, projectID, excludeID uuid.UUID, name, path, rootPath string) error {
	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM project_repositories
		 WHERE project_id = ? AND lower(name) = lower(?) AND id != ?`,
		projectID.String(), name, excludeID.String(),
	).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM project_repositories
		 WHERE project_id = ? AND path = ? AND root_path = ? AND id != ?`,
		projectID.String(), path, rootPath, excludeID.String(),
	).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicatePath
	}
	return nil
}

func demoteOtherPrimaries(tx *sql.Tx, projectID, exceptID uuid.UUID) error {
	_, err := tx.Exec(
		`UPDATE project_repositories SET is_primary = 0, updated_at = ? WHERE project_id = ? AND id != ?`,
		time.Now().UTC(), projectID.String(), exceptID.String(),
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE task_attempt_repositories SET is_primary = 0, updated_at = ?
		 WHERE project_repository_id IN (SELECT id FROM project_repositories WHERE project_id = ? AND id != ?)`,
		time.Now().UTC(), projectID.String(), exceptID.String(),
	)
	return err
}

// ensureAttemptMembership inserts a task_attempt_repositories row, carrying
// isPrimary, for every existing attempt of tasks in projectID that does not
// already have one for repoID.
func ensureAttemptMembership(tx *sql.Tx, projectID, repoID uuid.UUID, isPrimary bool) error {
	rows, err := tx.Query(
		`SELECT ta.id FROM task_attempts ta
		 JOIN tasks t ON t.id = ta.task_id
		 WHERE t.project_id = ?
		 AND ta.id NOT IN (SELECT attempt_id FROM task_attempt_repositories WHERE project_repository_id = ?)`,
		projectID.String(), repoID.String(),
	)
	if err != nil {
		return err
	}
	var attemptIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		attemptIDs = append(attemptIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, attemptID := range attemptIDs {
		if _, err := tx.Exec(
			`INSERT INTO task_attempt_repositories (id, attempt_id, project_repository_id, is_primary, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), attemptID, repoID.String(), isPrimary, now, now,
		); err != nil {
			return err
		}
	}
	return nil
}

// resyncAttemptPrimaries makes every task_attempt_repositories.is_primary
// flag mirror its project_repositories source of truth, for every attempt
// in projectID.
func resyncAttemptPrimaries(tx *sql.Tx, projectID uuid.UUID) error {
	_, err := tx.Exec(
		`UPDATE task_attempt_repositories
		 SET is_primary = (SELECT pr.is_primary FROM project_repositories pr WHERE pr.id = task_attempt_repositories.project_repository_id),
		     updated_at = ?
		 WHERE attempt_id IN (
		     SELECT ta.id FROM task_attempts ta JOIN tasks t ON t.id = ta.task_id WHERE t.project_id = ?
		 )`,
		time.Now().UTC(), projectID.String(),
	)
	return err
}

// ListProjectRepositories returns a project's repositories ordered
// is_primary DESC, created_at ASC.
func (s *Store) ListProjectRepositories(projectID uuid.UUID) ([]ProjectRepository, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, name, path, root_path, is_primary, created_at, updated_at
		 FROM project_repositories WHERE project_id = ? ORDER BY is_primary DESC, created_at ASC`,
		projectID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectRepository
	for rows.Next() {
		pr, err := scanProjectRepositoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func scanProjectRepositoryRow(rows *sql.Rows) (ProjectRepository, error) {
	var pr ProjectRepository
	var id, projectID string
	if err := rows.Scan(&id, &projectID, &pr.Name, &pr.Path, &pr.RootPath, &pr.IsPrimary, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return ProjectRepository{}, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return ProjectRepository{}, err
	}
	parsedProjectID, err := uuid.Parse(projectID)
	if err != nil {
		return ProjectRepository{}, err
	}
	pr.ID, pr.ProjectID = parsedID, parsedProjectID
	return pr, nil
}

// GetProjectRepository fetches a single repository by id.
func (s *Store) GetProjectRepository(id uuid.UUID) (*ProjectRepository, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, name, path, root_path, is_primary, created_at, updated_at
		 FROM project_repositories WHERE id = ?`, id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	pr, err := scanProjectRepositoryRow(rows)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// UpdateProjectRepository persists name/path/root_path/is_primary changes.
// Promoting to primary demotes the previous primary atomically; demoting
// the current sole primary is rejected with ErrPrimaryRequired.
func (s *Store) UpdateProjectRepository(pr *ProjectRepository) error {
	if strings.TrimSpace(pr.Name) == "" {
		return validationErrorf("repository name must not be empty")
	}
	root, err := normalizeRootPath(pr.RootPath)
	if err != nil {
		return err
	}
	pr.RootPath = root

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var wasPrimary bool
	if err := tx.QueryRow(`SELECT is_primary FROM project_repositories WHERE id = ?`, pr.ID.String()).Scan(&wasPrimary); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if wasPrimary && !pr.IsPrimary {
		return ErrPrimaryRequired
	}

	if err := checkRepoUniqueness(tx, pr.ProjectID, pr.ID, pr.Name, pr.Path, pr.RootPath); err != nil {
		return err
	}

	if pr.IsPrimary && !wasPrimary {
		if err := demoteOtherPrimaries(tx, pr.ProjectID, pr.ID); err != nil {
			return err
		}
	}

	pr.UpdatedAt = time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE project_repositories SET name = ?, path = ?, root_path = ?, is_primary = ?, updated_at = ? WHERE id = ?`,
		pr.Name, pr.Path, pr.RootPath, pr.IsPrimary, pr.UpdatedAt, pr.ID.String(),
	)
	if err != nil {
		return err
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}

	if err := resyncAttemptPrimaries(tx, pr.ProjectID); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteProjectRepository removes a repository. If it is the project's
// primary, a replacement is promoted first (picked by
// is_primary DESC, created_at ASC among the remaining siblings); if no
// sibling exists, the delete is rejected with ErrPrimaryRequired.
func (s *Store) DeleteProjectRepository(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var projectID string
	var isPrimary bool
	if err := tx.QueryRow(`SELECT project_id, is_primary FROM project_repositories WHERE id = ?`, id.String()).Scan(&projectID, &isPrimary); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	if _, err := tx.Exec(`DELETE FROM project_repositories WHERE id = ?`, id.String()); err != nil {
		return err
	}

	if isPrimary {
		var replacementID string
		err := tx.QueryRow(
			`SELECT id FROM project_repositories WHERE project_id = ? AND id != ? ORDER BY is_primary DESC, created_at ASC LIMIT 1`,
			projectID, id.String(),
		).Scan(&replacementID)
		if err == sql.ErrNoRows {
			return ErrPrimaryRequired
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE project_repositories SET is_primary = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), replacementID); err != nil {
			return err
		}
		if err := resyncAttemptPrimaries(tx, uuid.MustParse(projectID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}
