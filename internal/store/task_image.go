package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TaskImage is a persisted image attachment associated with a task.
type TaskImage struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Path      string
	CreatedAt time.Time
}

// AddTaskImage records an image attachment for a task.
func (s *Store) AddTaskImage(taskID uuid.UUID, path string) (*TaskImage, error) {
	img := &TaskImage{ID: uuid.New(), TaskID: taskID, Path: path, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(
		`INSERT INTO task_images (id, task_id, path, created_at) VALUES (?, ?, ?, ?)`,
		img.ID.String(), img.TaskID.String(), img.Path, img.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// GetTaskImage fetches a single image attachment by id.
func (s *Store) GetTaskImage(id uuid.UUID) (*TaskImage, error) {
	row := s.db.QueryRow(`SELECT id, task_id, path, created_at FROM task_images WHERE id = ?`, id.String())
	var img TaskImage
	var idStr, taskIDStr string
	if err := row.Scan(&idStr, &taskIDStr, &img.Path, &img.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsedID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return nil, err
	}
	img.ID, img.TaskID = parsedID, taskID
	return &img, nil
}

// ListTaskImages returns every image attached to taskID.
func (s *Store) ListTaskImages(taskID uuid.UUID) ([]TaskImage, error) {
	rows, err := s.db.Query(`SELECT id, task_id, path, created_at FROM task_images WHERE task_id = ?`, taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskImage
	for rows.Next() {
		var img TaskImage
		var idStr, taskIDStr string
		if err := rows.Scan(&idStr, &taskIDStr, &img.Path, &img.CreatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		tID, err := uuid.Parse(taskIDStr)
		if err != nil {
			return nil, err
		}
		img.ID, img.TaskID = id, tID
		out = append(out, img)
	}
	return out, rows.Err()
}
