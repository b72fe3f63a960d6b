package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/lsm"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 1000
)

// iEngine is the part of lsm.Lsm the server exposes.
type iEngine interface {
	CreateKeyspace() (types.KeyspaceID, error)
	KeyspaceIDs() []types.KeyspaceID
	Get(ks types.KeyspaceID, key []byte) ([]byte, bool, error)
	Set(ks types.KeyspaceID, key, value []byte) error
	Delete(ks types.KeyspaceID, key []byte) error
	ScanAll(ks types.KeyspaceID) (iterator.Iterator, error)
	ScanFrom(ks types.KeyspaceID, from []byte, inclusive bool) (iterator.Iterator, error)
	Flush(ks types.KeyspaceID) error
	Compact(ks types.KeyspaceID) error
	Stats(ks types.KeyspaceID) (lsm.Stats, error)
}

// Server represents the HTTP server in front of the engine
type Server struct {
	engine     iEngine
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string
	cfg        config.ServerConfig
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(engine iEngine, cfg config.ServerConfig, metrics http.Handler) *Server {
	port := strconv.Itoa(cfg.Port)
	return &Server{
		engine:  engine,
		metrics: metrics,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
		cfg:     cfg,
	}
}

// Start starts the server
func (s *Server) Start() error {
	readHeaderTimeout := s.cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shutdown HTTP server")
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/keyspaces", func(r chi.Router) {
		r.Post("/", s.handleCreateKeyspace)
		r.Get("/", s.handleListKeyspaces)

		r.Route("/{keyspace}", func(r chi.Router) {
			r.Put("/string", s.handlePut)
			r.Get("/string", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Get("/scan", s.handleScan)
			r.Get("/stats", s.handleStats)
			r.Post("/flush", s.handleFlush)
			r.Post("/compact", s.handleCompact)
		})
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrKeyspaceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument), errors.Is(err, dberrors.ErrTooLargeEntry):
		status = http.StatusBadRequest
	case dberrors.IsRetryable(err):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrWriteStalled), errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// keyspace parses the {keyspace} url param. It writes the error response itself.
func (s *Server) keyspace(w http.ResponseWriter, r *http.Request) (types.KeyspaceID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "keyspace"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid keyspace id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleCreateKeyspace(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.CreateKeyspace()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewKeyspaceResponse(id))
}

func (s *Server) handleListKeyspaces(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewKeyspacesResponse(s.engine.KeyspaceIDs()))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
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

	if err := s.engine.Set(ks, []byte(key), []byte(value)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.engine.Get(ks, []byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.engine.Delete(ks, []byte(key)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleScan serves ?from=&inclusive=&limit=. Without from it scans the whole keyspace.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	limit := defaultScanLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}

	var (
		it  iterator.Iterator
		err error
	)
	if q.Has("from") {
		inclusive := q.Get("inclusive") != "false"
		it, err = s.engine.ScanFrom(ks, []byte(q.Get("from")), inclusive)
	} else {
		it, err = s.engine.ScanAll(ks)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	entries := make([]Pair, 0)
	for len(entries) < limit && it.Next() {
		entries = append(entries, Pair{Key: string(it.Key().User), Value: string(it.Value())})
	}
	err = it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewEntriesResponse(entries))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
	stats, err := s.engine.Stats(ks)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewStatsResponse(stats))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.maintenance(w, r, s.engine.Flush)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.maintenance(w, r, s.engine.Compact)
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request, op func(types.KeyspaceID) error) {
	ks, ok := s.keyspace(w, r)
	if !ok {
		return
	}
	if err := op(ks); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
