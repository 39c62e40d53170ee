package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ralphd/internal/fold"
	"ralphd/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"capabilities": s.store.Capabilities(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		writeJSON(w, http.StatusOK, s.status())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskDescription string `json:"task_description"`
		MaxTokens       int    `json:"max_tokens"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.store.CreateSession(req.TaskDescription, req.MaxTokens)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*types.Session
		err      error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		sessions, err = s.store.ListActive()
	} else {
		sessions, err = s.store.ListSessions()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens int `json:"tokens"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.store.UpdateTokens(r.PathValue("id"), req.Tokens)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.CompleteSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	archived := ""
	if s.archiver != nil {
		path, err := s.archiver.ArchiveSession(sess.ID)
		if err != nil {
			s.log.Warn("session archive failed", zap.String("session", sess.ID), zap.Error(err))
		} else {
			archived = path
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":     sess,
		"archived_to": archived,
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.TerminateSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, types.NotFoundf("session %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.store.GetLineage(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lineage": chain,
		"depth":   len(chain),
	})
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.store.Children(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"children": children,
		"count":    len(children),
	})
}

// --- memories ---

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                 `json:"session_id"`
		Content   string                 `json:"content"`
		Category  types.MemoryCategory   `json:"category"`
		Priority  types.MemoryPriority   `json:"priority"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	mem, err := s.store.AddMemory(req.SessionID, req.Content, req.Category, req.Priority, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) handleSessionMemories(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, types.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	category := types.MemoryCategory(r.URL.Query().Get("category"))

	memories, err := s.store.MemoriesForSession(r.PathValue("id"), category, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memories": memories,
		"count":    len(memories),
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	id := r.PathValue("id")

	mem, err := s.store.GetMemory(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mem.SessionID != sessionID {
		s.writeError(w, types.NotFoundf("memory %s in session %s", id, sessionID))
		return
	}

	deleted, err := s.store.DeleteMemory(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string  `json:"session_id"`
		Query     string  `json:"query"`
		TopK      int     `json:"top_k"`
		MinScore  float64 `json:"min_score"`
		Depth     int     `json:"depth"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, types.Validationf("query must not be empty"))
		return
	}

	// Depth selects a progressive-disclosure layer; the default is the
	// flat index search.
	if req.Depth > 0 {
		result, err := s.index.ProgressiveSearch(req.SessionID, req.Query, req.Depth, req.TopK)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	entries, err := s.index.Search(req.SessionID, req.Query, req.TopK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.MinScore > 0 {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Score >= req.MinScore {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleCurate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID          string                 `json:"session_id"`
		KeepTop            int                    `json:"keep_top"`
		PreserveCategories []types.MemoryCategory `json:"preserve_categories"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.index.Curate(req.SessionID, req.KeepTop, req.PreserveCategories)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		BatchSize int    `json:"batch_size"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.index.EmbedSessionMemories(r.Context(), req.SessionID, req.BatchSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- fold / spawn ---

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trajectory string  `json:"trajectory"`
		Ratio      float64 `json:"ratio"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Trajectory == "" {
		s.writeError(w, types.Validationf("trajectory must not be empty"))
		return
	}

	result, err := s.fold.Compress(r.Context(), req.Trajectory, req.Ratio)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleShouldFold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextUsage float64        `json:"context_usage"`
		MemoryCount  int            `json:"memory_count"`
		Provider     types.Provider `json:"provider"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.fold.ShouldFold(req.ContextUsage, req.MemoryCount, req.Provider))
}

func (s *Server) handleFold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string `json:"session_id"`
		Trajectory string `json:"trajectory"`
		Label      string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := s.fold.ExecuteFold(r.Context(), req.SessionID, req.Trajectory, req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleShouldSpawn(w http.ResponseWriter, r *http.Request) {
	var sig fold.SpawnSignals
	if err := decodeJSON(r, &sig); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fold.ShouldSpawn(sig))
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.fold.ExecuteSpawn(r.Context(), req.SessionID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- checkpoints ---

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                 `json:"session_id"`
		Label     string                 `json:"label"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// The state snapshot captures the session fields as of creation.
	sess, err := s.store.GetSession(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state := map[string]interface{}{
		"task_description": sess.TaskDescription,
		"max_tokens":       sess.MaxTokens,
		"current_tokens":   sess.CurrentTokens,
		"status":           sess.Status,
	}

	cp, err := s.store.CreateCheckpoint(req.SessionID, req.Label, state, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.store.ListCheckpoints(r.PathValue("session_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.RestoreCheckpoint(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- patterns ---

func (s *Server) handleSavePattern(w http.ResponseWriter, r *http.Request) {
	var p types.Pattern
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, err)
		return
	}

	saved, err := s.store.SavePattern(&p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleSearchPatterns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	patterns, err := s.store.SearchPatterns(r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) handleSessionPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.PatternsForSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

// --- llm config ---

func (s *Server) handleUpsertLlmConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider        types.Provider `json:"provider"`
		EncryptedAPIKey string         `json:"encrypted_api_key"`
		IsActive        bool           `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cfg, err := s.store.UpsertLlmConfig(req.Provider, []byte(req.EncryptedAPIKey), req.IsActive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleActiveLlmConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ActiveLlmConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteLlmConfig(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteLlmConfig(types.Provider(r.PathValue("provider")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, types.NotFoundf("llm config for %s", r.PathValue("provider")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
