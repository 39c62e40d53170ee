package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

const lineageColumns = "id, parent_session_id, child_session_id, handoff_reason, handoff_prompt, checkpoint_id, created_at"

// CreateLineage links a parent session to its spawned child. A child can
// have at most one parent; a second link for the same child conflicts.
func (s *Store) CreateLineage(parentID, childID, reason, handoffPrompt, checkpointID string) (*types.Lineage, error) {
	if childID == "" {
		return nil, types.Validationf("child_session_id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, translateErr(err)
	}
	defer tx.Rollback()

	if _, err := s.getSession(tx, childID); err != nil {
		return nil, err
	}
	if parentID != "" {
		if _, err := s.getSession(tx, parentID); err != nil {
			return nil, err
		}
	}

	lin := &types.Lineage{
		ID:              uuid.NewString(),
		ParentSessionID: parentID,
		ChildSessionID:  childID,
		HandoffReason:   reason,
		HandoffPrompt:   handoffPrompt,
		CheckpointID:    checkpointID,
		CreatedAt:       now(),
	}

	_, err = tx.Exec(
		`INSERT INTO session_lineage (`+lineageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lin.ID, nullable(parentID), lin.ChildSessionID, lin.HandoffReason,
		lin.HandoffPrompt, nullable(checkpointID), lin.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}

	logging.Store("Lineage created: parent=%s child=%s reason=%q", parentID, childID, reason)
	return lin, nil
}

// GetLineage walks parent links from the given session up to the root
// and returns the chain root-first, ending at the session itself.
func (s *Store) GetLineage(sessionID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getSession(s.db, sessionID); err != nil {
		return nil, err
	}

	var chain []*types.Session
	seen := map[string]bool{}
	current := sessionID
	for current != "" && !seen[current] {
		seen[current] = true
		sess, err := s.getSession(s.db, current)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, sess)

		var parent sql.NullString
		err = s.db.QueryRow(
			`SELECT parent_session_id FROM session_lineage WHERE child_session_id = ?`, current,
		).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) || !parent.Valid {
			break
		}
		if err != nil {
			return nil, translateErr(err)
		}
		current = parent.String
	}

	// Walked child-to-parent; present root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Children returns the direct children of a session, oldest first.
func (s *Store) Children(sessionID string) ([]*types.Lineage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+lineageColumns+` FROM session_lineage WHERE parent_session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var links []*types.Lineage
	for rows.Next() {
		lin, err := scanLineage(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, lin)
	}
	return links, rows.Err()
}

// LineageForChild returns the lineage row naming the session as child,
// or ErrNotFound when the session has no parent.
func (s *Store) LineageForChild(childID string) (*types.Lineage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+lineageColumns+` FROM session_lineage WHERE child_session_id = ?`, childID,
	)
	lin, err := scanLineage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("lineage for child %s", childID)
	}
	return lin, err
}

// nullable maps the empty string onto SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanLineage(row rowScanner) (*types.Lineage, error) {
	var lin types.Lineage
	var parent, checkpoint sql.NullString
	err := row.Scan(
		&lin.ID, &parent, &lin.ChildSessionID, &lin.HandoffReason,
		&lin.HandoffPrompt, &checkpoint, &lin.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	lin.ParentSessionID = parent.String
	lin.CheckpointID = checkpoint.String
	return &lin, nil
}
