package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

const sessionColumns = "id, task_description, max_tokens, current_tokens, status, created_at, updated_at"

// CreateSession inserts a new active session with zero tokens.
func (s *Store) CreateSession(task string, maxTokens int) (*types.Session, error) {
	if task == "" {
		return nil, types.Validationf("task_description must not be empty")
	}
	if maxTokens <= 0 {
		maxTokens = types.DefaultMaxTokens
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	sess := &types.Session{
		ID:              uuid.NewString(),
		TaskDescription: task,
		MaxTokens:       maxTokens,
		CurrentTokens:   0,
		Status:          types.StatusActive,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskDescription, sess.MaxTokens, sess.CurrentTokens, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	logging.Store("Session created: id=%s max_tokens=%d", sess.ID, sess.MaxTokens)
	return sess, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSession(s.db, id)
}

// querier lets session reads run inside or outside a transaction.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) getSession(q querier, id string) (*types.Session, error) {
	row := q.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("session %s", id)
	}
	return sess, err
}

// UpdateTokens sets current_tokens on a live session. Rejects terminal
// sessions and values above max_tokens.
func (s *Store) UpdateTokens(id string, tokens int) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSession(s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, id, sess.Status)
	}
	if tokens < 0 || tokens > sess.MaxTokens {
		return nil, types.Validationf("tokens %d outside [0, %d]", tokens, sess.MaxTokens)
	}

	ts := now()
	if _, err := s.db.Exec(
		`UPDATE sessions SET current_tokens = ?, updated_at = ? WHERE id = ?`,
		tokens, ts, id,
	); err != nil {
		return nil, translateErr(err)
	}

	sess.CurrentTokens = tokens
	sess.UpdatedAt = ts
	return sess, nil
}

// CompleteSession marks a session completed. Terminal states are
// write-once: completing a terminated session fails.
func (s *Store) CompleteSession(id string) (*types.Session, error) {
	return s.transition(id, types.StatusCompleted)
}

// TerminateSession force-stops a session.
func (s *Store) TerminateSession(id string) (*types.Session, error) {
	return s.transition(id, types.StatusTerminated)
}

// MarkInactive flags a session whose transcript disappeared. Inactive
// is not terminal; the session revives on the next transcript event.
func (s *Store) MarkInactive(id string) (*types.Session, error) {
	return s.transition(id, types.StatusInactive)
}

func (s *Store) transition(id string, status types.SessionStatus) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSession(s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, id, sess.Status)
	}

	ts := now()
	if _, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, ts, id,
	); err != nil {
		return nil, translateErr(err)
	}

	sess.Status = status
	sess.UpdatedAt = ts
	logging.Store("Session %s -> %s", id, status)
	return sess, nil
}

// ReviveSession flips an inactive session back to active. No-op for
// already-active sessions; terminal sessions are rejected.
func (s *Store) ReviveSession(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSession(s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, id, sess.Status)
	}
	if sess.Status == types.StatusActive {
		return sess, nil
	}

	ts := now()
	if _, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		types.StatusActive, ts, id,
	); err != nil {
		return nil, translateErr(err)
	}
	sess.Status = types.StatusActive
	sess.UpdatedAt = ts
	return sess, nil
}

// ListActive returns active sessions newest-first.
func (s *Store) ListActive() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC`,
		types.StatusActive,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns every session newest-first.
func (s *Store) ListSessions() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindByTask returns the newest session with the exact task description.
// The watcher keys auto-detected sessions on the literal string
// "Auto-detected: <source>:<project>".
func (s *Store) FindByTask(task string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE task_description = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		task,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("session for task %q", task)
	}
	return sess, err
}

// DeleteSession removes a session and, via cascade, its memories,
// checkpoints and child lineage rows.
func (s *Store) DeleteSession(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	err := row.Scan(
		&sess.ID, &sess.TaskDescription, &sess.MaxTokens, &sess.CurrentTokens,
		&sess.Status, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*types.Session, error) {
	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
