package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// MemoryInput is a memory waiting to be written inside a multi-step
// transaction.
type MemoryInput struct {
	Content  string
	Category types.MemoryCategory
	Priority types.MemoryPriority
}

// FoldApplied is everything a fold wrote, for the caller to report.
type FoldApplied struct {
	Session    *types.Session    `json:"session"`
	Checkpoint *types.Checkpoint `json:"checkpoint"`
	Memories   []*types.Memory   `json:"memories"`
}

// ApplyFold commits the durable side of a fold in one transaction: the
// compressed-section memories, a checkpoint capturing pre-fold usage,
// and the reduced token count. The LLM work happens before this call;
// either every step lands or none does.
func (s *Store) ApplyFold(sessionID, label string, state map[string]interface{}, memories []MemoryInput, newTokens int) (*FoldApplied, error) {
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
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, sessionID, sess.Status)
	}
	if newTokens < 0 || newTokens > sess.MaxTokens {
		return nil, types.Validationf("tokens %d outside [0, %d]", newTokens, sess.MaxTokens)
	}

	ts := now()
	written, err := insertMemories(tx, sessionID, memories, ts)
	if err != nil {
		return nil, translateErr(err)
	}

	snapshot, err := memoryIDsForSession(tx, sessionID)
	if err != nil {
		return nil, translateErr(err)
	}

	cp := &types.Checkpoint{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Label:            label,
		State:            state,
		ContextUsage:     sess.ContextUsage() * 100,
		MemoriesSnapshot: snapshot,
		Metadata:         map[string]interface{}{"fold": true, "tokens_before": sess.CurrentTokens, "tokens_after": newTokens},
		CreatedAt:        ts,
	}
	snapshotJSON, _ := json.Marshal(snapshot)
	if _, err := tx.Exec(
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, marshalJSON(state), cp.ContextUsage,
		string(snapshotJSON), marshalJSON(cp.Metadata), cp.CreatedAt,
	); err != nil {
		return nil, translateErr(err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET current_tokens = ?, updated_at = ? WHERE id = ?`,
		newTokens, ts, sessionID,
	); err != nil {
		return nil, translateErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}

	sess.CurrentTokens = newTokens
	sess.UpdatedAt = ts
	logging.Fold("Fold applied: session=%s memories=%d tokens=%d", sessionID, len(written), newTokens)
	return &FoldApplied{Session: sess, Checkpoint: cp, Memories: written}, nil
}

// SpawnResult is the full outcome of a spawn handoff.
type SpawnResult struct {
	Parent     *types.Session    `json:"parent"`
	Child      *types.Session    `json:"child"`
	Checkpoint *types.Checkpoint `json:"checkpoint"`
	Lineage    *types.Lineage    `json:"lineage"`
	Copied     int               `json:"memories_copied"`
}

// SpawnChild hands a drained parent session off to a fresh child in one
// transaction: checkpoint the parent, create the child with the parent's
// token budget, copy memories in the preserved categories, record the
// lineage link, and complete the parent. A crash mid-spawn leaves the
// parent untouched rather than orphaning a half-made child.
func (s *Store) SpawnChild(parentID, reason, handoffPrompt, childTask string, preserve []types.MemoryCategory) (*SpawnResult, error) {
	if childTask == "" {
		return nil, types.Validationf("child task must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, translateErr(err)
	}
	defer tx.Rollback()

	parent, err := s.getSession(tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, parentID, parent.Status)
	}

	ts := now()

	// Step 1: checkpoint the parent under a spawn label.
	label := "spawn-" + truncate(reason, 20)
	snapshot, err := memoryIDsForSession(tx, parentID)
	if err != nil {
		return nil, translateErr(err)
	}
	cp := &types.Checkpoint{
		ID:               uuid.NewString(),
		SessionID:        parentID,
		Label:            label,
		State:            map[string]interface{}{"reason": reason},
		ContextUsage:     parent.ContextUsage() * 100,
		MemoriesSnapshot: snapshot,
		CreatedAt:        ts,
	}
	snapshotJSON, _ := json.Marshal(snapshot)
	if _, err := tx.Exec(
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, marshalJSON(cp.State), cp.ContextUsage,
		string(snapshotJSON), nil, cp.CreatedAt,
	); err != nil {
		return nil, translateErr(err)
	}

	// Step 2: child session with the parent's budget and a clean context.
	child := &types.Session{
		ID:              uuid.NewString(),
		TaskDescription: childTask,
		MaxTokens:       parent.MaxTokens,
		CurrentTokens:   0,
		Status:          types.StatusActive,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		child.ID, child.TaskDescription, child.MaxTokens, child.CurrentTokens, child.Status, child.CreatedAt, child.UpdatedAt,
	); err != nil {
		return nil, translateErr(err)
	}

	// Step 3: carry preserved categories into the child.
	copied, err := copyMemories(tx, parentID, child.ID, preserve, ts)
	if err != nil {
		return nil, translateErr(err)
	}

	// Step 4: lineage link.
	lin := &types.Lineage{
		ID:              uuid.NewString(),
		ParentSessionID: parentID,
		ChildSessionID:  child.ID,
		HandoffReason:   reason,
		HandoffPrompt:   handoffPrompt,
		CheckpointID:    cp.ID,
		CreatedAt:       ts,
	}
	if _, err := tx.Exec(
		`INSERT INTO session_lineage (`+lineageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lin.ID, lin.ParentSessionID, lin.ChildSessionID, lin.HandoffReason, lin.HandoffPrompt, lin.CheckpointID, lin.CreatedAt,
	); err != nil {
		return nil, translateErr(err)
	}

	// Step 5: the parent's work is handed off; close it out.
	if _, err := tx.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		types.StatusCompleted, ts, parentID,
	); err != nil {
		return nil, translateErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, translateErr(err)
	}

	parent.Status = types.StatusCompleted
	parent.UpdatedAt = ts
	logging.Fold("Spawn complete: parent=%s child=%s reason=%q copied=%d", parentID, child.ID, reason, copied)
	return &SpawnResult{Parent: parent, Child: child, Checkpoint: cp, Lineage: lin, Copied: copied}, nil
}

func insertMemories(tx *sql.Tx, sessionID string, inputs []MemoryInput, ts time.Time) ([]*types.Memory, error) {
	var written []*types.Memory
	for _, in := range inputs {
		if in.Content == "" {
			continue
		}
		category := in.Category
		if !types.ValidCategory(category) {
			category = types.CategoryOther
		}
		priority := in.Priority
		if !types.ValidPriority(priority) {
			priority = types.PriorityNormal
		}
		mem := &types.Memory{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Content:   in.Content,
			Category:  category,
			Priority:  priority,
			CreatedAt: ts,
		}
		if _, err := tx.Exec(
			`INSERT INTO memories (id, session_id, content, category, priority, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, '{}', ?)`,
			mem.ID, mem.SessionID, mem.Content, mem.Category, mem.Priority, ts,
		); err != nil {
			return nil, err
		}
		written = append(written, mem)
	}
	return written, nil
}

func copyMemories(tx *sql.Tx, fromID, toID string, categories []types.MemoryCategory, ts time.Time) (int, error) {
	if len(categories) == 0 {
		return 0, nil
	}

	placeholders := ""
	args := []interface{}{fromID}
	for i, c := range categories {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, c)
	}

	rows, err := tx.Query(
		`SELECT content, category, priority, metadata FROM memories
		 WHERE session_id = ? AND category IN (`+placeholders+`)
		 ORDER BY created_at ASC, rowid ASC`,
		args...,
	)
	if err != nil {
		return 0, err
	}

	type carried struct {
		content, category, priority string
		metadata                    sql.NullString
	}
	var toCopy []carried
	for rows.Next() {
		var c carried
		if err := rows.Scan(&c.content, &c.category, &c.priority, &c.metadata); err != nil {
			rows.Close()
			return 0, err
		}
		toCopy = append(toCopy, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, c := range toCopy {
		meta := "{}"
		if c.metadata.Valid && c.metadata.String != "" {
			meta = c.metadata.String
		}
		if _, err := tx.Exec(
			`INSERT INTO memories (id, session_id, content, category, priority, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), toID, c.content, c.category, c.priority, meta, ts,
		); err != nil {
			return 0, err
		}
	}
	return len(toCopy), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
