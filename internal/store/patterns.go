package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ralphd/internal/types"
)

const patternColumns = "id, session_id, pattern_name, pattern_description, code_example, tags, source_mode, source_files, created_at"

// SavePattern persists a learned code pattern.
func (s *Store) SavePattern(p *types.Pattern) (*types.Pattern, error) {
	if p.Name == "" {
		return nil, types.Validationf("pattern_name must not be empty")
	}
	if p.SourceMode == "" {
		p.SourceMode = types.PatternManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	stored.ID = uuid.NewString()
	stored.CreatedAt = now()

	tagsJSON, _ := json.Marshal(p.Tags)
	filesJSON, _ := json.Marshal(p.SourceFiles)
	if tagsJSON == nil {
		tagsJSON = []byte("[]")
	}
	if filesJSON == nil {
		filesJSON = []byte("[]")
	}

	_, err := s.db.Exec(
		`INSERT INTO patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.SessionID, stored.Name, stored.Description, stored.CodeExample,
		string(tagsJSON), stored.SourceMode, string(filesJSON), stored.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	return &stored, nil
}

// SearchPatterns matches patterns whose name, description or tags
// contain the query, newest first.
func (s *Store) SearchPatterns(query string, limit int) ([]*types.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	needle := "%" + strings.ToLower(query) + "%"

	rows, err := s.db.Query(
		`SELECT `+patternColumns+` FROM patterns
		 WHERE LOWER(pattern_name) LIKE ? OR LOWER(pattern_description) LIKE ? OR LOWER(tags) LIKE ?
		 ORDER BY created_at DESC LIMIT ?`,
		needle, needle, needle, limit,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// PatternsForSession returns the patterns recorded by one session.
func (s *Store) PatternsForSession(sessionID string) ([]*types.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+patternColumns+` FROM patterns WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// GetPattern fetches one pattern by id.
func (s *Store) GetPattern(id string) (*types.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("pattern %s", id)
	}
	return p, err
}

func scanPattern(row rowScanner) (*types.Pattern, error) {
	var p types.Pattern
	var tagsJSON, filesJSON string
	err := row.Scan(
		&p.ID, &p.SessionID, &p.Name, &p.Description, &p.CodeExample,
		&tagsJSON, &p.SourceMode, &filesJSON, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tagsJSON), &p.Tags)
	json.Unmarshal([]byte(filesJSON), &p.SourceFiles)
	return &p, nil
}

func scanPatterns(rows *sql.Rows) ([]*types.Pattern, error) {
	var patterns []*types.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
