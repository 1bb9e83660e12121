package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

// Backend holds one cycle's invalidation set and its settlement
// accounting. Implementations: the in-process FIFO (always available) and
// the Redis list backend (cross-process durability).
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// IsIndexing reports whether loaded uuids remain unsettled.
	IsIndexing(ctx context.Context) (bool, error)

	// LoadUUIDs enqueues the invalidation set and returns the count
	// actually accepted. A mismatch with the offered count is a fatal
	// cycle error for the caller.
	LoadUUIDs(ctx context.Context, uids []types.UID) (int, error)

	// GetBatch hands at most max uuids to the named worker and tracks
	// them as outstanding until reported.
	GetBatch(ctx context.Context, workerID string, max int) ([]types.UID, error)

	// Report settles the oldest successes+len(errs) outstanding uuids of
	// the named worker and records the errors for PopErrors.
	Report(ctx context.Context, workerID string, successes int, errs []types.IndexError) error

	// PopErrors drains accumulated errors; each error is observed
	// exactly once.
	PopErrors(ctx context.Context) ([]types.IndexError, error)

	// CloseIndexing ends the cycle and returns the uuids that were
	// loaded but never confirmed (queued or outstanding).
	CloseIndexing(ctx context.Context) ([]types.UID, error)
}

// Config holds queue server settings.
type Config struct {
	Backend   Backend // nil selects the in-process backend
	ChunkSize int     // uuids per worker batch
	BatchSize int     // uuids per reporting round
	GetSize   int     // per-cycle load ceiling
}

// Server fronts the queue backend for the controller and the workers. If
// the configured remote backend fails on IsIndexing or LoadUUIDs, the
// server fails over to the in-process backend permanently: a flapping
// remote backend would corrupt cycle accounting, so the switch is one-way
// for the remainder of the process lifetime.
type Server struct {
	logger    zerolog.Logger
	chunkSize int
	batchSize int

	mu       sync.Mutex
	backend  Backend
	fallback *SimpleBackend // nil once consumed or never configured
}

// NewServer creates a queue server over the given backend. A nil backend
// selects the in-process FIFO directly, with no failover pair.
func NewServer(cfg Config) *Server {
	logger := log.WithComponent("queue")

	s := &Server{
		logger:    logger,
		chunkSize: cfg.ChunkSize,
		batchSize: cfg.BatchSize,
	}
	if cfg.Backend == nil {
		s.backend = NewSimpleBackend(cfg.GetSize)
	} else {
		s.backend = cfg.Backend
		s.fallback = NewSimpleBackend(cfg.GetSize)
	}
	logger.Info().Str("backend", s.backend.Name()).Msg("Queue server ready")
	return s
}

// BackendName returns the active backend's name.
func (s *Server) BackendName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Name()
}

// failover switches to the in-process backend. Caller holds s.mu.
func (s *Server) failover(reason error) {
	if s.fallback == nil {
		return
	}
	s.logger.Warn().Err(reason).
		Str("from", s.backend.Name()).
		Msg("Queue backend failed, switching to in-process backend permanently")
	s.backend = s.fallback
	s.fallback = nil
	metrics.QueueFailovers.Inc()
}

// IsIndexing reports whether a cycle is in flight. A backend error here
// triggers the one-way failover and re-asks the in-process backend.
func (s *Server) IsIndexing(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexing, err := s.backend.IsIndexing(ctx)
	if err != nil {
		if s.fallback == nil {
			return false, fmt.Errorf("queue backend failed with no failover left: %w", err)
		}
		s.failover(err)
		indexing, err = s.backend.IsIndexing(ctx)
	}
	return indexing, err
}

// LoadUUIDs loads the cycle's invalidation set. A backend error triggers
// failover but still fails this cycle's load; the next cycle finds the
// same uuids via its own resolution and runs on the in-process backend.
func (s *Server) LoadUUIDs(ctx context.Context, uids []types.UID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.backend.LoadUUIDs(ctx, uids)
	if err != nil {
		s.failover(err)
		return 0, fmt.Errorf("failed to load uuids: %w", err)
	}
	metrics.QueueDepth.Set(float64(loaded))
	return loaded, nil
}

// PopErrors drains per-uuid errors accumulated since the last call.
func (s *Server) PopErrors(ctx context.Context) []types.IndexError {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	errs, err := backend.PopErrors(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to drain queue errors")
		return nil
	}
	return errs
}

// CloseIndexing ends the cycle and returns unconfirmed uuids for the
// undone set.
func (s *Server) CloseIndexing(ctx context.Context) []types.UID {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	undone, err := backend.CloseIndexing(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to close indexing")
	}
	metrics.QueueDepth.Set(0)
	return undone
}

// GetWorker returns a worker handle bound to this server.
func (s *Server) GetWorker(id string) *Worker {
	return &Worker{
		ID:     id,
		server: s,
	}
}

// Worker is a queue consumer handle: it pulls batches and reports their
// settlement.
type Worker struct {
	ID     string
	server *Server

	// GetCnt counts batch requests, for run accounting.
	GetCnt int
}

// GetBatch pulls at most the configured chunk size of uuids.
func (w *Worker) GetBatch(ctx context.Context) ([]types.UID, error) {
	w.GetCnt++
	s := w.server

	s.mu.Lock()
	backend := s.backend
	max := s.chunkSize
	s.mu.Unlock()

	batch, err := backend.GetBatch(ctx, w.ID, max)
	if err != nil {
		return nil, fmt.Errorf("worker %s failed to get batch: %w", w.ID, err)
	}
	return batch, nil
}

// Report settles a processed batch: successes plus recorded errors.
func (w *Worker) Report(ctx context.Context, successes int, errs []types.IndexError) error {
	s := w.server

	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	if err := backend.Report(ctx, w.ID, successes, errs); err != nil {
		return fmt.Errorf("worker %s failed to report batch: %w", w.ID, err)
	}
	return nil
}
