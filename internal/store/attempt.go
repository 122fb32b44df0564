package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TaskAttempt is a persisted TaskAttempt row.
type TaskAttempt struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	ContainerRef     *string
	Branch           *string
	BaseBranch       string
	Executor         string
	WorktreeDeleted  bool
	SetupCompletedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RepositorySelection is a caller-supplied request to attach a specific
// project repository to a new attempt, optionally marking it primary.
type RepositorySelection struct {
	ProjectRepositoryID uuid.UUID
	IsPrimary           bool
}

// CreateTaskAttempt inserts a task_attempts row and seeds one
// task_attempt_repositories row per selected project repository.
//
// If selections is empty, every project repository is attached and the
// project-level primary is inherited. If selections is non-empty, every id
// must belong to the project, ids must not repeat, and at most one entry
// may set IsPrimary; when none does, the project primary is inherited
// (and must itself be among the selection).
func (s *Store) CreateTaskAttempt(a *TaskAttempt, selections []RepositorySelection) error {
	if a.BaseBranch == "" {
		return validationErrorf("base_branch is required")
	}

	var projectID string
	if err := s.db.QueryRow(`SELECT project_id FROM tasks WHERE id = ?`, a.TaskID.String()).Scan(&projectID); err != nil {
		if err == sql.ErrNoRows {
			return validationErrorf("task does not exist")
		}
		return err
	}

	repos, err := s.ListProjectRepositories(uuid.MustParse(projectID))
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		return validationErrorf("project has no repositories")
	}

	resolved, err := resolveSelections(repos, selections)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	if _, err := tx.Exec(
		`INSERT INTO task_attempts (id, task_id, container_ref, branch, base_branch, executor, worktree_deleted, setup_completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TaskID.String(), a.ContainerRef, a.Branch, a.BaseBranch, a.Executor, a.WorktreeDeleted, a.SetupCompletedAt, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return err
	}

	for _, sel := range resolved {
		if _, err := tx.Exec(
			`INSERT INTO task_attempt_repositories (id, attempt_id, project_repository_id, is_primary, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), a.ID.String(), sel.ProjectRepositoryID.String(), sel.IsPrimary, now, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func resolveSelections(repos []ProjectRepository, selections []RepositorySelection) ([]RepositorySelection, error) {
	if len(selections) == 0 {
		out := make([]RepositorySelection, len(repos))
		for i, r := range repos {
			out[i] = RepositorySelection{ProjectRepositoryID: r.ID, IsPrimary: r.IsPrimary}
		}
		return out, nil
	}

	byID := make(map[uuid.UUID]ProjectRepository, len(repos))
	for _, r := range repos {
		byID[r.ID] = r
	}

	seen := make(map[uuid.UUID]bool, len(selections))
	primaryCount := 0
	for _, sel := range selections {
		if _, ok := byID[sel.ProjectRepositoryID]; !ok {
			return nil, validationErrorf("repository %s does not belong to this project", sel.ProjectRepositoryID)
		}
		if seen[sel.ProjectRepositoryID] {
			return nil, validationErrorf("repository %s selected more than once", sel.ProjectRepositoryID)
		}
		seen[sel.ProjectRepositoryID] = true
		if sel.IsPrimary {
			primaryCount++
		}
	}
	if primaryCount > 1 {
		return nil, validationErrorf("at most one selected repository may be primary")
	}
	if primaryCount == 0 {
		out := make([]RepositorySelection, len(selections))
		copy(out, selections)
		inherited := false
		for i, sel := range out {
			if byID[sel.ProjectRepositoryID].IsPrimary {
				out[i].IsPrimary = true
				inherited = true
			}
		}
		if !inherited {
			return nil, validationErrorf("selection must include the project primary or specify one explicitly")
		}
		return out, nil
	}
	return selections, nil
}

// GetTaskAttempt fetches an attempt by id.
func (s *Store) GetTaskAttempt(id uuid.UUID) (*TaskAttempt, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, container_ref, branch, base_branch, executor, worktree_deleted, setup_completed_at, created_at, updated_at
		 FROM task_attempts WHERE id = ?`, id.String(),
	)
	return scanTaskAttempt(row)
}

func scanTaskAttempt(row *sql.Row) (*TaskAttempt, error) {
	var a TaskAttempt
	var idStr, taskIDStr string
	if err := row.Scan(&idStr, &taskIDStr, &a.ContainerRef, &a.Branch, &a.BaseBranch, &a.Executor, &a.WorktreeDeleted, &a.SetupCompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return nil, err
	}
	a.ID, a.TaskID = id, taskID
	return &a, nil
}

// UpdateContainerRef sets the attempt's and its primary repository row's
// container_ref in one transaction, per spec: worktree materialization
// updates both together.
func (s *Store) UpdateContainerRef(attemptID uuid.UUID, containerRef *string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE task_attempts SET container_ref = ?, updated_at = ? WHERE id = ?`, containerRef, now, attemptID.String())
	if err != nil {
		return err
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE task_attempt_repositories SET container_ref = ?, updated_at = ? WHERE attempt_id = ? AND is_primary = 1`,
		containerRef, now, attemptID.String(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateBranch sets the attempt's and its primary repository row's branch
// in one transaction.
func (s *Store) UpdateBranch(attemptID uuid.UUID, branch *string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE task_attempts SET branch = ?, updated_at = ? WHERE id = ?`, branch, now, attemptID.String())
	if err != nil {
		return err
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE task_attempt_repositories SET branch = ?, updated_at = ? WHERE attempt_id = ? AND is_primary = 1`,
		branch, now, attemptID.String(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSetupCompleted stamps setup_completed_at.
func (s *Store) MarkSetupCompleted(attemptID uuid.UUID) error {
	res, err := s.db.Exec(`UPDATE task_attempts SET setup_completed_at = ?, updated_at = ? WHERE id = ?`, time.Now().UTC(), time.Now().UTC(), attemptID.String())
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// MarkWorktreeDeleted clears container_ref and sets worktree_deleted, per
// the invariant worktree_deleted = true implies container_ref = null.
func (s *Store) MarkWorktreeDeleted(attemptID uuid.UUID) error {
	res, err := s.db.Exec(
		`UPDATE task_attempts SET worktree_deleted = 1, container_ref = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), attemptID.String(),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListActiveAttemptsWithoutActivitySince returns attempts whose last
// activity - the max of the attempt's own updated_at and its most
// recently finished execution_process's updated_at - is older than
// cutoff, and whose worktree has not been reaped. Attempts with a
// Running execution_process are excluded. Used by the Reaper's
// expiration sweep.
func (s *Store) ListActiveAttemptsWithoutActivitySince(cutoff time.Time) ([]TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT ta.id, ta.task_id, ta.container_ref, ta.branch, ta.base_branch, ta.executor, ta.worktree_deleted, ta.setup_completed_at, ta.created_at, ta.updated_at
		 FROM task_attempts ta
		 LEFT JOIN (
		     SELECT attempt_id, MAX(updated_at) AS last_execution_at
		     FROM execution_processes
		     WHERE status != 'running'
		     GROUP BY attempt_id
		 ) ep ON ep.attempt_id = ta.id
		 WHERE ta.worktree_deleted = 0
		 AND MAX(ta.updated_at, COALESCE(ep.last_execution_at, ta.updated_at)) < ?
		 AND ta.id NOT IN (SELECT attempt_id FROM execution_processes WHERE status = 'running')`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAttempt
	for rows.Next() {
		var a TaskAttempt
		var idStr, taskIDStr string
		if err := rows.Scan(&idStr, &taskIDStr, &a.ContainerRef, &a.Branch, &a.BaseBranch, &a.Executor, &a.WorktreeDeleted, &a.SetupCompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		taskID, err := uuid.Parse(taskIDStr)
		if err != nil {
			return nil, err
		}
		a.ID, a.TaskID = id, taskID
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAttemptsWithContainerRef returns every non-reaped attempt that
// has a primary container_ref, for the Reaper's external-deletion sweep
// (an attempt whose worktree directory vanished outside this process).
func (s *Store) ListActiveAttemptsWithContainerRef() ([]TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, container_ref, branch, base_branch, executor, worktree_deleted, setup_completed_at, created_at, updated_at
		 FROM task_attempts WHERE worktree_deleted = 0 AND container_ref IS NOT NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskAttempt
	for rows.Next() {
		var a TaskAttempt
		var idStr, taskIDStr string
		if err := rows.Scan(&idStr, &taskIDStr, &a.ContainerRef, &a.Branch, &a.BaseBranch, &a.Executor, &a.WorktreeDeleted, &a.SetupCompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		taskID, err := uuid.Parse(taskIDStr)
		if err != nil {
			return nil, err
		}
		a.ID, a.TaskID = id, taskID
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAllContainerRefs returns every non-null container_ref across every
// attempt repository (primary and secondary), for the Reaper's startup
// orphan sweep to compare against worktree directories actually on disk.
func (s *Store) ListAllContainerRefs() ([]string, error) {
	rows, err := s.db.Query(`SELECT container_ref FROM task_attempt_repositories WHERE container_ref IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
