package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is a persisted Project row.
type Project struct {
	ID            uuid.UUID
	Name          string
	SetupScript   *string
	DevScript     *string
	CleanupScript *string
	CopyFiles     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateProject inserts a project row. The caller is responsible for
// seeding the auto-created "Primary" repository via CreateProjectRepository.
func (s *Store) CreateProject(p *Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return validationErrorf("project name must not be empty")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.SetupScript, p.DevScript, p.CleanupScript, p.CopyFiles, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetProject fetches a project by id.
func (s *Store) GetProject(id uuid.UUID) (*Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at
		 FROM projects WHERE id = ?`, id.String(),
	)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var idStr string
	if err := row.Scan(&idStr, &p.Name, &p.SetupScript, &p.DevScript, &p.CleanupScript, &p.CopyFiles, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

// UpdateProject persists changes to a project's editable fields.
func (s *Store) UpdateProject(p *Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return validationErrorf("project name must not be empty")
	}
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE projects SET name = ?, setup_script = ?, dev_script = ?, cleanup_script = ?, copy_files = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.SetupScript, p.DevScript, p.CleanupScript, p.CopyFiles, p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteProject removes a project; ON DELETE CASCADE removes its
// repositories, tasks, and attempts.
func (s *Store) DeleteProject(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
