package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/search"
	"github.com/cuemby/hutch/pkg/types"
)

// backoffSchedule is the write retry delay sequence in seconds. The first
// attempt is immediate; transport-level failures walk the remaining
// delays before the uuid is recorded as an error.
var backoffSchedule = []int{0, 10, 20, 40, 80}

// worker is one member of the pool. Each worker owns a private snapshot
// binding per batch and reports batch settlement through its queue
// handle.
type worker struct {
	id     string
	logger zerolog.Logger

	store  PrimaryStore
	search SearchStore
	render Renderer
	queue  *queue.Worker

	bindTimeout time.Duration

	// stop asks the worker to exit at the next batch boundary, letting
	// the current batch finish. Context cancellation is the ungraceful
	// path.
	stop *atomic.Bool

	// sleep is time.Sleep unless a test injects a recorder.
	sleep func(time.Duration)

	mu    sync.Mutex
	runs  []types.WorkerRun
	infos []types.UpdateInfo
}

// run drains batches until the queue is empty or the context is
// cancelled. A bind failure is fatal to the cycle and is returned; per
// uuid errors are reported through the queue and never surface here.
func (w *worker) run(ctx context.Context, xmin int64, token string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.stop != nil && w.stop.Load() {
			return nil
		}

		batch, err := w.queue.GetBatch(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		w.logger.Info().Int("uuids", len(batch)).Msg("Worker running batch")

		// The binding is scoped to the batch: acquired here, released
		// when the batch ends, so a leaking render layer cannot hold the
		// snapshot open between batches.
		binding, err := w.store.Bind(ctx, token, xmin, w.bindTimeout)
		if err != nil {
			return fmt.Errorf("worker %s failed to bind snapshot: %w", w.id, err)
		}

		var errs []types.IndexError
		for _, uid := range batch {
			info := w.updateObject(ctx, uid, xmin, token)
			if info.Error != nil {
				errs = append(errs, *info.Error)
			}
			w.mu.Lock()
			w.infos = append(w.infos, info)
			w.mu.Unlock()
		}
		binding.Release()

		if err := w.queue.Report(ctx, len(batch)-len(errs), errs); err != nil {
			return err
		}
		w.mu.Lock()
		w.runs = append(w.runs, types.WorkerRun{WorkerID: w.id, UUIDs: len(batch)})
		w.mu.Unlock()
	}
}

// updateObject renders one uuid and writes it to the search store with
// the retry schedule. Outcomes:
//
//	render failure      recorded error, continue with next uuid
//	version conflict    success; a later cycle already wrote the document
//	retryable write     retried across the backoff schedule
//	other write error   recorded error
func (w *worker) updateObject(ctx context.Context, uid types.UID, xmin int64, token string) (info types.UpdateInfo) {
	info = types.UpdateInfo{
		UID:   uid,
		Xmin:  xmin,
		Start: time.Now().UTC(),
	}
	defer func() {
		info.End = time.Now().UTC()
	}()

	renderTimer := metrics.NewTimer()
	doc, err := w.render.Render(ctx, uid, xmin, token)
	info.RenderDuration = renderTimer.Duration().Seconds()
	renderTimer.ObserveDuration(metrics.RenderDuration)
	if err != nil {
		w.logger.Error().Err(err).Str("uuid", string(uid)).Msg("Error rendering document")
		metrics.IndexingErrors.WithLabelValues("render").Inc()
		info.Error = &types.IndexError{
			UID:       uid,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		}
		return info
	}
	info.ItemType = doc.ItemType

	writeTimer := metrics.NewTimer()
	defer func() {
		info.WriteDuration = writeTimer.Duration().Seconds()
		writeTimer.ObserveDuration(metrics.WriteDuration)
	}()

	var lastErr error
	for i, delay := range backoffSchedule {
		if delay > 0 {
			w.sleep(time.Duration(delay) * time.Second)
		}

		attemptStart := time.Now()
		err := w.search.IndexDocument(ctx, doc, uid, xmin)
		attempt := types.BackoffAttempt{
			Delay:    delay,
			Duration: time.Since(attemptStart).Seconds(),
		}

		switch {
		case err == nil:
			info.Backoffs = append(info.Backoffs, attempt)
			metrics.DocumentsIndexed.Inc()
			return info

		case search.IsConflict(err):
			// A newer cycle already wrote a strictly later version
			w.logger.Warn().Str("uuid", string(uid)).Int64("xmin", xmin).Msg("Conflict indexing document, treated as done")
			info.Backoffs = append(info.Backoffs, attempt)
			info.Conflict = true
			metrics.VersionConflicts.Inc()
			return info

		case search.IsRetryable(err):
			w.logger.Warn().Err(err).Str("uuid", string(uid)).Int("backoff", delay).Msg("Retryable error indexing document")
			attempt.Error = err.Error()
			info.Backoffs = append(info.Backoffs, attempt)
			lastErr = err
			if i < len(backoffSchedule)-1 {
				metrics.WriteRetries.Inc()
			}

		default:
			w.logger.Error().Err(err).Str("uuid", string(uid)).Msg("Error indexing document")
			attempt.Error = err.Error()
			info.Backoffs = append(info.Backoffs, attempt)
			metrics.IndexingErrors.WithLabelValues("write").Inc()
			info.Error = &types.IndexError{
				UID:       uid,
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			}
			return info
		}
	}

	// Retry schedule exhausted
	metrics.IndexingErrors.WithLabelValues("write").Inc()
	info.Error = &types.IndexError{
		UID:       uid,
		Message:   fmt.Sprintf("retries exhausted: %v", lastErr),
		Timestamp: time.Now().UTC(),
	}
	return info
}
