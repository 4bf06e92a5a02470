// Package http exposes the engine over a small admin and data API: key-value
// operations for smoke testing, stats, and maintenance triggers (flush,
// compaction, checkpoints).
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"granite/pkg/config"
	"granite/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

// Server serves the HTTP API in front of one store.
type Server struct {
	db         *store.Store
	logger     *slog.Logger
	httpServer *http.Server
	URL        string
	addr       string
	headerTO   time.Duration
}

// NewServer creates a server for the store. It does not listen yet.
func NewServer(db *store.Store, cfg config.ServerConfig, logger *slog.Logger) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:       db,
		logger:   logger.With("component", "http"),
		URL:      fmt.Sprintf("http://localhost:%d", port),
		addr:     fmt.Sprintf(":%d", port),
		headerTO: cfg.ReadHeaderTimeout,
	}
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.headerTO,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Put("/api/kv", s.handlePut)
	r.Get("/api/kv", s.handleGet)
	r.Delete("/api/kv", s.handleDelete)
	r.Delete("/api/kv/range", s.handleDeleteRange)
	r.Post("/api/kv/merge", s.handleMerge)

	r.Post("/api/admin/flush", s.handleFlush)
	r.Post("/api/admin/compact", s.handleCompact)
	r.Post("/api/admin/checkpoint", s.handleCheckpoint)
	r.Post("/api/admin/resume", s.handleResume)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError renders an engine error with the status code its taxonomy maps
// to: not-found 404, invalid argument 400, busy/read-only/shutdown 503.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusCode(err), NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.Metrics())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.db.Put(r.Context(), []byte(key), []byte(value)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, err := s.db.Get([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.db.Delete(r.Context(), []byte(key)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if start == "" || end == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing start or end"))
		return
	}

	if err := s.db.DeleteRange(r.Context(), []byte(start), []byte(end)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	operand := r.FormValue("operand")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.db.Merge(r.Context(), []byte(key), []byte(operand)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	var start, end []byte
	if v := r.FormValue("start"); v != "" {
		start = []byte(v)
	}
	if v := r.FormValue("end"); v != "" {
		end = []byte(v)
	}

	if err := s.db.CompactRange(r.Context(), start, end); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	dest := r.FormValue("dest")
	if dest == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing dest"))
		return
	}
	forceFlush := r.FormValue("force_flush") == "true"

	if err := s.db.Checkpoint(r.Context(), dest, forceFlush); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.db.ResumeWrites()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
