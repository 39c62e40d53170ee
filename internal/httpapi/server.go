// Package httpapi exposes the sidecar over REST plus one SSE stream.
// Handlers stay thin: decode, call a component, map the error kind onto
// a status code.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ralphd/internal/archive"
	"ralphd/internal/bus"
	"ralphd/internal/fold"
	"ralphd/internal/logging"
	"ralphd/internal/memindex"
	"ralphd/internal/store"
)

// shutdownGrace bounds how long in-flight requests may run after the
// serve context is cancelled.
const shutdownGrace = 5 * time.Second

// Server routes HTTP traffic onto the core components.
type Server struct {
	store    *store.Store
	bus      *bus.Bus
	fold     *fold.Engine
	index    *memindex.Index
	archiver *archive.Archiver
	status   bus.StatusFunc
	log      *zap.Logger
	mux      *http.ServeMux
}

// New wires a server. status supplies the dashboard snapshot for
// GET /status; nil yields a minimal connected payload. logger nil means
// no request logging.
func New(st *store.Store, b *bus.Bus, foldEngine *fold.Engine, index *memindex.Index, archiver *archive.Archiver, status bus.StatusFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    st,
		bus:      b,
		fold:     foldEngine,
		index:    index,
		archiver: archiver,
		status:   status,
		log:      logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /sessions/{id}/tokens", s.handleUpdateTokens)
	s.mux.HandleFunc("POST /sessions/{id}/complete", s.handleCompleteSession)
	s.mux.HandleFunc("POST /sessions/{id}/terminate", s.handleTerminateSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /sessions/{id}/lineage", s.handleGetLineage)
	s.mux.HandleFunc("GET /lineage/{id}/children", s.handleGetChildren)

	s.mux.HandleFunc("POST /memories", s.handleAddMemory)
	s.mux.HandleFunc("GET /memories/session/{id}", s.handleSessionMemories)
	s.mux.HandleFunc("DELETE /memories/{session}/{id}", s.handleDeleteMemory)
	s.mux.HandleFunc("POST /memories/curate", s.handleCurate)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /embed", s.handleEmbed)

	s.mux.HandleFunc("POST /compress", s.handleCompress)
	s.mux.HandleFunc("POST /should-fold", s.handleShouldFold)
	s.mux.HandleFunc("POST /fold", s.handleFold)
	s.mux.HandleFunc("POST /should-spawn", s.handleShouldSpawn)
	s.mux.HandleFunc("POST /spawn", s.handleSpawn)

	s.mux.HandleFunc("POST /checkpoints", s.handleCreateCheckpoint)
	s.mux.HandleFunc("GET /checkpoints/{session_id}", s.handleListCheckpoints)
	s.mux.HandleFunc("POST /checkpoints/{id}/restore", s.handleRestoreCheckpoint)

	s.mux.HandleFunc("POST /patterns", s.handleSavePattern)
	s.mux.HandleFunc("GET /patterns/search", s.handleSearchPatterns)
	s.mux.HandleFunc("GET /patterns/session/{id}", s.handleSessionPatterns)

	s.mux.HandleFunc("POST /llm-config", s.handleUpsertLlmConfig)
	s.mux.HandleFunc("GET /llm-config/active", s.handleActiveLlmConfig)
	s.mux.HandleFunc("DELETE /llm-config/{provider}", s.handleDeleteLlmConfig)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE keeps streaming
// through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	s.mux.ServeHTTP(rec, r)

	s.log.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	)
	logging.APIDebug("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
