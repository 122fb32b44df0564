package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Task is a persisted Task row.
type Task struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	ParentTaskID *uuid.UUID
	Title        string
	Description  string
	Status       TaskStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateTask inserts a task row. If ParentTaskID is set, the parent must
// belong to the same project.
func (s *Store) CreateTask(t *Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return validationErrorf("task title must not be empty")
	}
	if t.Status == "" {
		t.Status = TaskStatusTodo
	}
	if t.ParentTaskID != nil {
		var parentProjectID string
		if err := s.db.QueryRow(`SELECT project_id FROM tasks WHERE id = ?`, t.ParentTaskID.String()).Scan(&parentProjectID); err != nil {
			if err == sql.ErrNoRows {
				return validationErrorf("parent task does not exist")
			}
			return err
		}
		if parentProjectID != t.ProjectID.String() {
			return validationErrorf("parent task must belong to the same project")
		}
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	var parentStr any
	if t.ParentTaskID != nil {
		parentStr = t.ParentTaskID.String()
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, parent_task_id, title, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ProjectID.String(), parentStr, t.Title, t.Description, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id uuid.UUID) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, parent_task_id, title, description, status, created_at, updated_at
		 FROM tasks WHERE id = ?`, id.String(),
	)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var idStr, projectIDStr, status string
	var parentIDStr sql.NullString
	if err := row.Scan(&idStr, &projectIDStr, &parentIDStr, &t.Title, &t.Description, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		return nil, err
	}
	t.ID, t.ProjectID, t.Status = id, projectID, TaskStatus(status)
	if parentIDStr.Valid {
		parentID, err := uuid.Parse(parentIDStr.String)
		if err != nil {
			return nil, err
		}
		t.ParentTaskID = &parentID
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task's status.
func (s *Store) UpdateTaskStatus(id uuid.UUID, status TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// UpdateTask persists changes to a task's title/description.
func (s *Store) UpdateTask(t *Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return validationErrorf("task title must not be empty")
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, string(t.Status), t.UpdatedAt, t.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteTask removes a task; ON DELETE CASCADE removes its attempts.
func (s *Store) DeleteTask(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListTasksByProject returns every task belonging to a project.
func (s *Store) ListTasksByProject(projectID uuid.UUID) ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, parent_task_id, title, description, status, created_at, updated_at
		 FROM tasks WHERE project_id = ? ORDER BY created_at ASC`, projectID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var idStr, projectIDStr, status string
		var parentIDStr sql.NullString
		if err := rows.Scan(&idStr, &projectIDStr, &parentIDStr, &t.Title, &t.Description, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		pID, err := uuid.Parse(projectIDStr)
		if err != nil {
			return nil, err
		}
		t.ID, t.ProjectID, t.Status = id, pID, TaskStatus(status)
		if parentIDStr.Valid {
			parentID, err := uuid.Parse(parentIDStr.String)
			if err != nil {
				return nil, err
			}
			t.ParentTaskID = &parentID
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
