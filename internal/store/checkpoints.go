package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

const checkpointColumns = "id, session_id, label, state, context_usage, memories_snapshot, metadata, created_at"

// CreateCheckpoint snapshots session state under a label. The memory id
// snapshot and the checkpoint row commit in one transaction so the
// snapshot always reflects a consistent view.
func (s *Store) CreateCheckpoint(sessionID, label string, state map[string]interface{}, metadata map[string]interface{}) (*types.Checkpoint, error) {
	if label == "" {
		return nil, types.Validationf("checkpoint label must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, translateErr(err)
	}
	defer tx.Rollback()

	sess, err := s.getSession(tx, sessionID)
	if err != nil {
		return nil, err
	}

	memoryIDs, err := memoryIDsForSession(tx, sessionID)
	if err != nil {
		return nil, translateErr(err)
	}

	cp := &types.Checkpoint{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Label:            label,
		State:            state,
		ContextUsage:     sess.ContextUsage() * 100,
		MemoriesSnapshot: memoryIDs,
		Metadata:         metadata,
		CreatedAt:        now(),
	}

	snapshotJSON, _ := json.Marshal(memoryIDs)
	if snapshotJSON == nil {
		snapshotJSON = []byte("[]")
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, marshalJSON(state), cp.ContextUsage,
		string(snapshotJSON), marshalJSON(metadata), cp.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}

	logging.Store("Checkpoint created: session=%s label=%q memories=%d", sessionID, label, len(memoryIDs))
	return cp, nil
}

// GetCheckpoint fetches one checkpoint by id.
func (s *Store) GetCheckpoint(id string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("checkpoint %s", id)
	}
	return cp, err
}

// ListCheckpoints returns a session's checkpoints newest-first.
func (s *Store) ListCheckpoints(sessionID string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`,
		sessionID,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

// LatestCheckpoint returns the most recent checkpoint for a session, or
// ErrNotFound when none exists.
func (s *Store) LatestCheckpoint(sessionID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("checkpoint for session %s", sessionID)
	}
	return cp, err
}

// RestoreView is the read-only restoration of a checkpoint: the stored
// state plus whichever snapshot memories still exist.
type RestoreView struct {
	Checkpoint *types.Checkpoint `json:"checkpoint"`
	Memories   []*types.Memory   `json:"memories"`
	Missing    []string          `json:"missing_memory_ids,omitempty"`
}

// RestoreCheckpoint resolves the snapshot memory ids against the live
// memories table. Deleted memories are reported, not fabricated; the
// restore mutates nothing.
func (s *Store) RestoreCheckpoint(id string) (*RestoreView, error) {
	cp, err := s.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}

	view := &RestoreView{Checkpoint: cp}
	for _, memID := range cp.MemoriesSnapshot {
		mem, err := s.GetMemory(memID)
		if errors.Is(err, types.ErrNotFound) {
			view.Missing = append(view.Missing, memID)
			continue
		}
		if err != nil {
			return nil, err
		}
		view.Memories = append(view.Memories, mem)
	}
	return view, nil
}

func memoryIDsForSession(q querier, sessionID string) ([]string, error) {
	rows, err := q.Query(
		`SELECT id FROM memories WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	var stateJSON, snapshotJSON string
	var metaJSON sql.NullString

	err := row.Scan(
		&cp.ID, &cp.SessionID, &cp.Label, &stateJSON, &cp.ContextUsage,
		&snapshotJSON, &metaJSON, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(stateJSON), &cp.State)
	json.Unmarshal([]byte(snapshotJSON), &cp.MemoriesSnapshot)
	if cp.MemoriesSnapshot == nil {
		cp.MemoriesSnapshot = []string{}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &cp.Metadata)
	}
	return &cp, nil
}

func scanCheckpoints(rows *sql.Rows) ([]*types.Checkpoint, error) {
	var checkpoints []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}
