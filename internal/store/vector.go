package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	"ralphd/internal/logging"
	"ralphd/internal/types"
)

// Embeddings are stored as little-endian float32 blobs, the layout
// sqlite-vec expects, so the same column serves both the SQL path and
// the in-process fallback.

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// SetEmbedding stores an embedding vector on a memory.
func (s *Store) SetEmbedding(memoryID string, vec []float32) error {
	if len(vec) == 0 {
		return types.Validationf("embedding must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE memories SET embedding = ? WHERE id = ?`, encodeEmbedding(vec), memoryID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("memory %s", memoryID)
	}
	return nil
}

// MemoriesWithoutEmbedding returns up to limit memories that still need
// an embedding, oldest first. The embedding worker drains this set.
func (s *Store) MemoriesWithoutEmbedding(sessionID string, limit int) ([]*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE embedding IS NULL`
	args := []interface{}{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ScoredMemory pairs a memory with a similarity score in [0, 1].
type ScoredMemory struct {
	Memory *types.Memory
	Score  float64
}

// VectorTopK returns the topK memories nearest to the query vector by
// cosine similarity. With sqlite-vec loaded the distance runs in SQL;
// otherwise embedded rows are scanned and scored in process. Memories
// without an embedding never match. An empty sessionID searches all
// sessions.
func (s *Store) VectorTopK(sessionID string, queryVec []float32, topK int) ([]ScoredMemory, error) {
	if len(queryVec) == 0 {
		return nil, types.Validationf("query vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.caps.Vec {
		return s.vectorTopKSQL(sessionID, queryVec, topK)
	}
	return s.vectorTopKScan(sessionID, queryVec, topK)
}

func (s *Store) vectorTopKSQL(sessionID string, queryVec []float32, topK int) ([]ScoredMemory, error) {
	query := `SELECT ` + memoryColumns + `, vec_distance_cosine(embedding, ?) AS dist
		FROM memories WHERE embedding IS NOT NULL`
	args := []interface{}{encodeEmbedding(queryVec)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY dist ASC LIMIT ?`
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("vec query failed, falling back to scan: %v", err)
		return s.vectorTopKScan(sessionID, queryVec, topK)
	}
	defer rows.Close()

	var results []ScoredMemory
	for rows.Next() {
		mem, dist, err := scanMemoryWithDistance(rows)
		if err != nil {
			return nil, err
		}
		// Cosine distance is 1 - similarity.
		results = append(results, ScoredMemory{Memory: mem, Score: 1 - dist})
	}
	return results, rows.Err()
}

func (s *Store) vectorTopKScan(sessionID string, queryVec []float32, topK int) ([]ScoredMemory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE embedding IS NOT NULL`
	args := []interface{}{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var results []ScoredMemory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if len(mem.Embedding) != len(queryVec) {
			continue
		}
		results = append(results, ScoredMemory{Memory: mem, Score: cosineSimilarity(queryVec, mem.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func scanMemoryWithDistance(rows *sql.Rows) (*types.Memory, float64, error) {
	var mem types.Memory
	var embedding []byte
	var metaJSON sql.NullString
	var lastAccessed sql.NullTime
	var dist float64

	err := rows.Scan(
		&mem.ID, &mem.SessionID, &mem.Content, &mem.Category, &mem.Priority,
		&embedding, &metaJSON, &mem.AccessCount, &lastAccessed, &mem.CreatedAt,
		&dist,
	)
	if err != nil {
		return nil, 0, err
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
	return &mem, dist, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors
// of equal length. Zero vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
