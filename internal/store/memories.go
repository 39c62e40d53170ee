package store

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

const memoryColumns = "id, session_id, content, category, priority, embedding, metadata, access_count, last_accessed_at, created_at"

// AddMemory attaches a memory to a session.
func (s *Store) AddMemory(sessionID, content string, category types.MemoryCategory, priority types.MemoryPriority, metadata map[string]interface{}) (*types.Memory, error) {
	if content == "" {
		return nil, types.Validationf("memory content must not be empty")
	}
	if category == "" {
		category = types.CategoryOther
	}
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !types.ValidCategory(category) {
		return nil, types.Validationf("unknown category %q", category)
	}
	if !types.ValidPriority(priority) {
		return nil, types.Validationf("unknown priority %q", priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSession(s.db, sessionID); err != nil {
		return nil, err
	}

	mem := &types.Memory{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Category:  category,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO memories (id, session_id, content, category, priority, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.SessionID, mem.Content, mem.Category, mem.Priority, marshalJSON(metadata), mem.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	logging.MemoryDebug("Memory added: session=%s category=%s", sessionID, category)
	return mem, nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("memory %s", id)
	}
	return mem, err
}

// MemoriesForSession returns a session's memories in insertion order.
// category filters when non-empty; limit caps the result when > 0.
func (s *Store) MemoriesForSession(sessionID string, category types.MemoryCategory, limit int) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE session_id = ?`
	args := []interface{}{sessionID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemories returns candidate memories for a keyword query, newest
// and highest-priority first. With FTS available the inverted index
// provides the candidate set; otherwise a LIKE scan does. Final scoring
// lives in the memory index. An empty sessionID searches cross-session.
func (s *Store) SearchMemories(sessionID, query string, topK int) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	if s.caps.FTS {
		return s.searchFTS(sessionID, tokens, topK)
	}
	return s.searchLike(sessionID, tokens, topK)
}

func (s *Store) searchFTS(sessionID string, tokens []string, topK int) ([]*types.Memory, error) {
	// OR-join quoted tokens; quoting keeps FTS syntax characters inert.
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	query := `SELECT ` + prefixColumns("m", memoryColumns) + `
		FROM memories m
		JOIN memories_fts f ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?`
	args := []interface{}{match}
	if sessionID != "" {
		query += ` AND m.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY
		CASE m.priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		m.created_at DESC
		LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) searchLike(sessionID string, tokens []string, topK int) ([]*types.Memory, error) {
	var conditions []string
	var args []interface{}
	for _, tok := range tokens {
		conditions = append(conditions, "LOWER(content) LIKE ?")
		args = append(args, "%"+tok+"%")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE (` + strings.Join(conditions, " OR ") + `)`
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY
		CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		created_at DESC
		LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// DeleteMemory removes one memory. Returns false when it did not exist.
func (s *Store) DeleteMemory(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchMemories bumps access_count and last_accessed_at for the given
// ids. Curation scores access counts, so every full read records one.
func (s *Store) TouchMemories(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, ts)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.Exec(
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	return translateErr(err)
}

// queryTokens lowercases and splits a query on whitespace, dropping
// duplicates while preserving order.
func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// prefixColumns rewrites "a, b, c" as "m.a, m.b, m.c".
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var mem types.Memory
	var embedding []byte
	var metaJSON sql.NullString
	var lastAccessed sql.NullTime

	err := row.Scan(
		&mem.ID, &mem.SessionID, &mem.Content, &mem.Category, &mem.Priority,
		&embedding, &metaJSON, &mem.AccessCount, &lastAccessed, &mem.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(embedding) > 0 {
		mem.Embedding = decodeEmbedding(embedding)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &mem.Metadata)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		mem.LastAccessedAt = &t
	}
	return &mem, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var memories []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}
