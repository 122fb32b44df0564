package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/executor"
)

// ExecutionProcessStatus is the lifecycle state of an ExecutionProcess.
type ExecutionProcessStatus string

const (
	ExecutionProcessRunning   ExecutionProcessStatus = "running"
	ExecutionProcessCompleted ExecutionProcessStatus = "completed"
	ExecutionProcessFailed    ExecutionProcessStatus = "failed"
	ExecutionProcessKilled    ExecutionProcessStatus = "killed"
)

// ExecutionProcess is a persisted ExecutionProcess row. Action is decoded
// lazily via the Action accessor since the raw payload is stored as JSON.
type ExecutionProcess struct {
	ID              uuid.UUID
	AttemptID       uuid.UUID
	RunReason       executor.RunReason
	ActionPayload   string
	Status          ExecutionProcessStatus
	ExitCode        *int
	AfterHeadCommit *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Action unmarshals the stored executor action payload.
func (p *ExecutionProcess) Action() (*executor.Action, error) {
	var a executor.Action
	if err := json.Unmarshal([]byte(p.ActionPayload), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateExecutionProcess inserts a Running execution_processes row for
// action, encoded as JSON.
func (s *Store) CreateExecutionProcess(attemptID uuid.UUID, action *executor.Action) (*ExecutionProcess, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}

	p := &ExecutionProcess{
		ID:            uuid.New(),
		AttemptID:     attemptID,
		RunReason:     action.RunReason(),
		ActionPayload: string(payload),
		Status:        ExecutionProcessRunning,
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err = s.db.Exec(
		`INSERT INTO execution_processes (id, attempt_id, run_reason, action_payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AttemptID.String(), string(p.RunReason), p.ActionPayload, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetExecutionProcess fetches a process by id.
func (s *Store) GetExecutionProcess(id uuid.UUID) (*ExecutionProcess, error) {
	row := s.db.QueryRow(
		`SELECT id, attempt_id, run_reason, action_payload, status, exit_code, after_head_commit, created_at, updated_at
		 FROM execution_processes WHERE id = ?`, id.String(),
	)
	return scanExecutionProcess(row)
}

func scanExecutionProcess(row *sql.Row) (*ExecutionProcess, error) {
	var p ExecutionProcess
	var idStr, attemptIDStr, runReason, status string
	if err := row.Scan(&idStr, &attemptIDStr, &runReason, &p.ActionPayload, &status, &p.ExitCode, &p.AfterHeadCommit, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	attemptID, err := uuid.Parse(attemptIDStr)
	if err != nil {
		return nil, err
	}
	p.ID, p.AttemptID, p.RunReason, p.Status = id, attemptID, executor.RunReason(runReason), ExecutionProcessStatus(status)
	return &p, nil
}

// FinishExecutionProcess marks a Running process terminal exactly once;
// a second call (race between supervisor exit-monitor and an explicit
// stop) is a no-op, signaled by ErrNotFound.
func (s *Store) FinishExecutionProcess(id uuid.UUID, status ExecutionProcessStatus, exitCode int, afterHeadCommit *string) error {
	res, err := s.db.Exec(
		`UPDATE execution_processes SET status = ?, exit_code = ?, after_head_commit = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), exitCode, afterHeadCommit, time.Now().UTC(), id.String(),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListExecutionProcesses returns an attempt's processes ordered oldest
// first.
func (s *Store) ListExecutionProcesses(attemptID uuid.UUID) ([]ExecutionProcess, error) {
	rows, err := s.db.Query(
		`SELECT id, attempt_id, run_reason, action_payload, status, exit_code, after_head_commit, created_at, updated_at
		 FROM execution_processes WHERE attempt_id = ? ORDER BY created_at ASC`, attemptID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionProcess
	for rows.Next() {
		var p ExecutionProcess
		var idStr, attemptIDStr, runReason, status string
		if err := rows.Scan(&idStr, &attemptIDStr, &runReason, &p.ActionPayload, &status, &p.ExitCode, &p.AfterHeadCommit, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		attID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			return nil, err
		}
		p.ID, p.AttemptID, p.RunReason, p.Status = id, attID, executor.RunReason(runReason), ExecutionProcessStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasRunningExecutionProcess reports whether attemptID has any process
// still in the running state.
func (s *Store) HasRunningExecutionProcess(attemptID uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM execution_processes WHERE attempt_id = ? AND status = 'running'`, attemptID.String(),
	).Scan(&count)
	return count > 0, err
}

// SetAfterHeadCommit stamps the worktree HEAD observed after a process's
// post-exit commit step, independent of the terminal-status write.
func (s *Store) SetAfterHeadCommit(id uuid.UUID, sha string) error {
	_, err := s.db.Exec(`UPDATE execution_processes SET after_head_commit = ?, updated_at = ? WHERE id = ?`, sha, time.Now().UTC(), id.String())
	return err
}

// SaveExecutorSession records the vendor session id and an optional
// human-readable summary extracted from a finished coding-agent process.
func (s *Store) SaveExecutorSession(executionProcessID uuid.UUID, sessionID, summary string) error {
	_, err := s.db.Exec(
		`INSERT INTO executor_sessions (id, execution_process_id, session_id, summary, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), executionProcessID.String(), sessionID, summary, time.Now().UTC(),
	)
	return err
}

// HasExecutorSessionForProcess reports whether a session row already
// exists for this specific execution process, used to enforce "only set
// the summary once" during the exit monitor's post-exit pipeline.
func (s *Store) HasExecutorSessionForProcess(executionProcessID uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executor_sessions WHERE execution_process_id = ?`, executionProcessID.String()).Scan(&count)
	return count > 0, err
}

// LatestExecutorSession returns the most recent session id/summary stored
// for any execution process belonging to attemptID, used to populate a
// CodingAgentFollowUpRequest's SessionID.
func (s *Store) LatestExecutorSession(attemptID uuid.UUID) (sessionID, summary string, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT es.session_id, es.summary FROM executor_sessions es
		 JOIN execution_processes ep ON ep.id = es.execution_process_id
		 WHERE ep.attempt_id = ? ORDER BY es.created_at DESC LIMIT 1`, attemptID.String(),
	)
	if err := row.Scan(&sessionID, &summary); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return sessionID, summary, true, nil
}
