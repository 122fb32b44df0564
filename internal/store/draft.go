package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DraftType distinguishes the two draft slots an attempt can hold.
type DraftType string

const (
	DraftTypeFollowUp DraftType = "follow_up"
	DraftTypeRetry    DraftType = "retry"
)

// Draft is a persisted Draft row, keyed by {attempt_id, draft_type}.
type Draft struct {
	AttemptID uuid.UUID
	DraftType DraftType
	Prompt    string
	Variant   *string
	ImageIDs  *string
	Queued    bool
	Sending   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertDraft inserts or replaces the draft for {attempt_id, draft_type}.
// Writing a draft never touches Sending; use TryMarkSending/ClearAfterSend
// for the compare-and-set lock.
func (s *Store) UpsertDraft(d *Draft) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO drafts (attempt_id, draft_type, prompt, variant, image_ids, queued, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, draft_type) DO UPDATE SET
		   prompt = excluded.prompt, variant = excluded.variant, image_ids = excluded.image_ids,
		   queued = excluded.queued, updated_at = excluded.updated_at`,
		d.AttemptID.String(), string(d.DraftType), d.Prompt, d.Variant, d.ImageIDs, d.Queued, now, now,
	)
	return err
}

// GetDraft fetches the draft for {attempt_id, draft_type}, if any.
func (s *Store) GetDraft(attemptID uuid.UUID, draftType DraftType) (*Draft, error) {
	row := s.db.QueryRow(
		`SELECT attempt_id, draft_type, prompt, variant, image_ids, queued, sending, created_at, updated_at
		 FROM drafts WHERE attempt_id = ? AND draft_type = ?`, attemptID.String(), string(draftType),
	)
	var d Draft
	var attemptIDStr, draftType2 string
	if err := row.Scan(&attemptIDStr, &draftType2, &d.Prompt, &d.Variant, &d.ImageIDs, &d.Queued, &d.Sending, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(attemptIDStr)
	if err != nil {
		return nil, err
	}
	d.AttemptID, d.DraftType = id, DraftType(draftType2)
	return &d, nil
}

// TryMarkSending is the compare-and-set lock: it atomically claims a
// queued, not-currently-sending draft by stamping Sending, and reports
// whether this caller won the race. Only a winner may dequeue and spawn
// the follow-up.
func (s *Store) TryMarkSending(attemptID uuid.UUID, draftType DraftType) (*Draft, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE drafts SET sending = ?, updated_at = ?
		 WHERE attempt_id = ? AND draft_type = ? AND queued = 1 AND sending IS NULL`,
		now, now, attemptID.String(), string(draftType),
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	d, err := s.GetDraft(attemptID, draftType)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// ClearAfterSend releases the sending lock and un-queues the draft once
// its follow-up has been successfully spawned.
func (s *Store) ClearAfterSend(attemptID uuid.UUID, draftType DraftType) error {
	res, err := s.db.Exec(
		`UPDATE drafts SET sending = NULL, queued = 0, updated_at = ? WHERE attempt_id = ? AND draft_type = ?`,
		time.Now().UTC(), attemptID.String(), string(draftType),
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}
