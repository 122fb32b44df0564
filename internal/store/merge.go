package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/diffstream"
	"github.com/forgecrew/attemptkit/internal/reposolver"
)

// Merge is a persisted Merge row: a record that an attempt's branch was
// merged, and at what commit, used by the diff streamer's static-mode
// fast path.
type Merge struct {
	ID             uuid.UUID
	AttemptID      uuid.UUID
	MergeCommitOID string
	CreatedAt      time.Time
}

// RecordMerge inserts a Merge row for attemptID.
func (s *Store) RecordMerge(attemptID uuid.UUID, mergeCommitOID string) error {
	_, err := s.db.Exec(
		`INSERT INTO merges (id, attempt_id, merge_commit_oid, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), attemptID.String(), mergeCommitOID, time.Now().UTC(),
	)
	return err
}

// LatestMerge returns the most recent merge recorded for attemptID, if
// any.
func (s *Store) LatestMerge(attemptID uuid.UUID) (*Merge, error) {
	row := s.db.QueryRow(
		`SELECT id, attempt_id, merge_commit_oid, created_at FROM merges
		 WHERE attempt_id = ? ORDER BY created_at DESC LIMIT 1`, attemptID.String(),
	)
	var m Merge
	var idStr, attemptIDStr string
	if err := row.Scan(&idStr, &attemptIDStr, &m.MergeCommitOID, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
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
	m.ID, m.AttemptID = id, aID
	return &m, nil
}

// ToMergeRef builds the diffstream.MergeRef for an attempt by pairing its
// latest recorded merge commit with every repository's base branch OID at
// merge time. Since a Merge row only stores the primary commit OID today,
// every repository's entry maps to the same OID; this is exact for
// single-repository attempts and an approximation for multi-repository
// ones: DiffStreamer's static mode checks only the primary worktree, and a
// secondary repository that lacks the OID fails diff enumeration and is
// skipped.
func (s *Store) ToMergeRef(attemptID uuid.UUID, contexts []reposolver.RepositoryContext) (*diffstream.MergeRef, error) {
	m, err := s.LatestMerge(attemptID)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	commits := make(map[uuid.UUID]string, len(contexts))
	for _, c := range contexts {
		commits[c.ProjectRepo.ID] = m.MergeCommitOID
	}
	return &diffstream.MergeRef{CommitByRepo: commits}, nil
}
