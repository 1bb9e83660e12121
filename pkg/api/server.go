package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/indexer"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

// CycleRunner runs one reindex cycle, blocking for its duration.
type CycleRunner interface {
	RunCycle(ctx context.Context, req indexer.Request) (*types.CycleState, error)
}

// PrioritySubmitter persists priority reindex requests.
type PrioritySubmitter interface {
	SubmitPriority(ctx context.Context, request types.PriorityRequest) error
}

// Server is the trigger endpoint: it exposes cycle execution, priority
// request intake, health, and metrics over HTTP.
type Server struct {
	runner CycleRunner
	state  PrioritySubmitter
	logger zerolog.Logger
	http   *http.Server
}

// NewServer creates the API server on the given listen address.
func NewServer(addr string, runner CycleRunner, state PrioritySubmitter) *Server {
	s := &Server{
		runner: runner,
		state:  state,
		logger: log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/index", s.handleIndex)
	r.Post("/index/reindex", s.handleReindex)
	r.Get("/healthz", metrics.HealthHandler().ServeHTTP)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleIndex runs one cycle. The request blocks for the cycle duration
// and the response is the final cycle state record.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "/index")

	var req indexer.Request
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.observe("/index", http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	cs, err := s.runner.RunCycle(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case strings.Contains(err.Error(), "already indexing"):
			status = http.StatusConflict
		case strings.Contains(err.Error(), "disabled"):
			status = http.StatusForbidden
		}
		s.logger.Error().Err(err).Msg("Indexing cycle failed")
		s.observe("/index", status)

		// A fatal cycle still reports its partial state when available
		if cs != nil {
			writeJSON(w, status, cs)
			return
		}
		writeError(w, status, err.Error())
		return
	}

	s.observe("/index", http.StatusOK)
	writeJSON(w, http.StatusOK, cs)
}

// reindexResponse acknowledges a priority request.
type reindexResponse struct {
	Status string `json:"status"`
	UUIDs  int    `json:"uuids"`
}

// handleReindex persists a priority request for the next cycle.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "/index/reindex")

	var request types.PriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.observe("/index/reindex", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(request.UUIDs) == 0 && len(request.Types) == 0 {
		s.observe("/index/reindex", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "request names no uuids and no types")
		return
	}
	for _, uid := range request.UUIDs {
		if !uid.Valid() {
			s.observe("/index/reindex", http.StatusBadRequest)
			writeError(w, http.StatusBadRequest, "invalid uuid: "+string(uid))
			return
		}
	}

	if err := s.state.SubmitPriority(r.Context(), request); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist priority request")
		s.observe("/index/reindex", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Int("uuids", len(request.UUIDs)).Strs("types", request.Types).Msg("Priority reindex request accepted")
	s.observe("/index/reindex", http.StatusAccepted)
	writeJSON(w, http.StatusAccepted, reindexResponse{Status: "accepted", UUIDs: len(request.UUIDs)})
}

func (s *Server) observe(route string, status int) {
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
