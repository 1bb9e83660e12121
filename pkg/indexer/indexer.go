package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/types"
)

// maxCycleErrors breaks the drain loop when error accumulation runs away;
// the remaining uuids land in the undone set instead of grinding through
// a broken backend.
const maxCycleErrors = 100000

// drainInterval is the controller's poll cadence over the queue while
// workers run.
const drainInterval = 250 * time.Millisecond

// Request is the trigger-endpoint request body.
type Request struct {
	// Record controls whether the cycle outcome is persisted. Defaults
	// to true; nil means unset.
	Record *bool `json:"record,omitempty"`

	// DryRun resolves the invalidation set and reports it without
	// exporting a snapshot, staging follow-ups, or writing anything.
	DryRun bool `json:"dry_run,omitempty"`

	// Recovery runs against a standby: read-committed watermark, no
	// snapshot export, per-worker consistency only.
	Recovery bool `json:"recovery,omitempty"`

	// LastXmin overrides the persisted watermark for this cycle.
	LastXmin *int64 `json:"last_xmin,omitempty"`

	// Types restricts a full reindex to the given item types.
	Types []string `json:"types,omitempty"`
}

func (r Request) record() bool {
	return r.Record == nil || *r.Record
}

// SnapshotBinding is a worker's released-at-batch-end snapshot hold.
type SnapshotBinding interface {
	Release()
}

// Coordinator pins the cycle snapshot and mints the worker token.
type Coordinator interface {
	Xmin() int64
	ExportSnapshot(ctx context.Context) (string, error)
	Close()
}

// PrimaryStore is the slice of the primary store the controller and the
// workers need.
type PrimaryStore interface {
	BeginCycle(ctx context.Context, recovery bool) (Coordinator, error)
	Bind(ctx context.Context, token string, xmin int64, timeout time.Duration) (SnapshotBinding, error)
}

// SearchStore is the slice of the search store the controller and the
// workers need.
type SearchStore interface {
	IndexDocument(ctx context.Context, doc *types.Document, uid types.UID, xmin int64) error
	Refresh(ctx context.Context) error
	SyncedFlush(ctx context.Context) error
}

// Renderer renders a uuid into its indexable document.
type Renderer interface {
	Render(ctx context.Context, uid types.UID, xmin int64, snapshotToken string) (*types.Document, error)
}

// InvalidationResolver computes the cycle's uuid set.
type InvalidationResolver interface {
	Resolve(ctx context.Context, lastXmin int64, haveLastXmin bool, priority []types.UID, itemTypes []string) (*resolver.Result, error)
}

// StateStore persists cycle state in the search store.
type StateStore interface {
	Load(ctx context.Context) (types.CycleState, bool, error)
	PriorityCycle(ctx context.Context) (*types.PriorityRequest, []types.UID, bool, error)
	BeginCycle(ctx context.Context, cs *types.CycleState) error
	FinishCycle(ctx context.Context, cs *types.CycleState, undone []types.UID) error
	StageFollowups(ctx context.Context, xmin int64, uids []types.UID) error
	SendNotices(ctx context.Context)
}

// Indexer orchestrates reindex cycles: resolve, snapshot, load, run,
// finalize, notify. Cycles are strictly serial.
type Indexer struct {
	cfg      *config.Config
	store    PrimaryStore
	search   SearchStore
	resolver InvalidationResolver
	state    StateStore
	queue    *queue.Server
	render   Renderer
	logger   zerolog.Logger

	mu sync.Mutex
}

// New creates an indexer.
func New(cfg *config.Config, store PrimaryStore, searchStore SearchStore, res InvalidationResolver, stateStore StateStore, queueServer *queue.Server, render Renderer) *Indexer {
	return &Indexer{
		cfg:      cfg,
		store:    store,
		search:   searchStore,
		resolver: res,
		state:    stateStore,
		queue:    queueServer,
		render:   render,
		logger:   log.WithComponent("indexer"),
	}
}

// RunCycle executes one reindex cycle and returns the final cycle state.
// Blocks for the cycle duration. Concurrent callers on the same Indexer
// wait for the running cycle to finish; a queue that still holds
// unsettled uuids (for example from another process sharing a remote
// queue) makes the call fail with "already indexing".
func (ix *Indexer) RunCycle(ctx context.Context, req Request) (*types.CycleState, error) {
	if !ix.cfg.Indexer {
		return nil, fmt.Errorf("indexer is disabled on this node")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cycleTimer := metrics.NewTimer()

	indexing, err := ix.queue.IsIndexing(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize indexing: %w", err)
	}
	if indexing {
		return nil, fmt.Errorf("cannot initialize indexing: already indexing")
	}

	// RESOLVE: priority intake, watermark, invalidation set
	request, undone, restart, err := ix.state.PriorityCycle(ctx)
	if err != nil {
		return nil, err
	}
	if restart {
		// A previous cycle died mid-run. The stale set is discarded and
		// recomputed from last_xmin.
		ix.logger.Warn().Msg("Previous cycle aborted mid-run, recomputing from last_xmin")
	}

	priority := undone
	itemTypes := req.Types
	if request != nil {
		priority = types.DedupeUIDs(append(priority, request.UUIDs...))
		if len(itemTypes) == 0 {
			itemTypes = request.Types
		}
	}

	lastXmin, haveLastXmin, prior, err := ix.resolveLastXmin(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := ix.resolver.Resolve(ctx, lastXmin, haveLastXmin, priority, itemTypes)
	if err != nil {
		return nil, err
	}

	cs := &types.CycleState{
		LastXmin:          lastXmin,
		TxnCount:          result.TxnCount,
		Invalidated:       len(result.Invalidated),
		Referencing:       result.Referencing,
		Updated:           result.Updated,
		Renamed:           result.Renamed,
		MaxXID:            result.MaxXID,
		FirstTxnTimestamp: result.FirstTxnTimestamp,
		Types:             itemTypes,
		FullReindex:       result.FullReindex,
	}

	if len(result.Invalidated) == 0 {
		// Nothing to do: emit notices and return without touching the
		// snapshot coordinator.
		cs.Status = prior.Status
		cs.Xmin = prior.Xmin
		cs.LastXmin = prior.LastXmin
		ix.state.SendNotices(ctx)
		metrics.CyclesTotal.WithLabelValues("noop").Inc()
		ix.logger.Info().Int("txn_count", result.TxnCount).Msg("Indexing cycle is a no-op")
		return cs, nil
	}

	// SNAPSHOT: pin the watermark; export only when real work follows
	coord, err := ix.store.BeginCycle(ctx, req.Recovery)
	if err != nil {
		return nil, fmt.Errorf("failed to pin cycle snapshot: %w", err)
	}
	defer coord.Close()
	cs.Xmin = coord.Xmin()
	cycleLog := log.WithCycle("indexer", cs.Xmin)

	uids := result.Invalidated
	if ix.cfg.ShortUUIDs > 0 && len(uids) > ix.cfg.ShortUUIDs {
		cycleLog.Warn().
			Int("from", len(uids)).
			Int("to", ix.cfg.ShortUUIDs).
			Msg("Shorting uuid list for debug run")
		uids = uids[:ix.cfg.ShortUUIDs]
		cs.Invalidated = len(uids)
	}
	metrics.InvalidatedUUIDs.Observe(float64(len(uids)))
	if result.FullReindex {
		metrics.FullReindexTotal.Inc()
	}

	if req.DryRun {
		cs.Status = types.CycleStatusWaiting
		cycleLog.Info().Int("uuids", len(uids)).Msg("Dry run complete")
		return cs, nil
	}

	token := ""
	if !req.Recovery {
		// Minting consumes a transaction id, so export happens once and
		// only now that work is certain.
		token, err = coord.ExportSnapshot(ctx)
		if err != nil {
			return nil, err
		}
	}

	// LOAD: stage follow-ups first so a mid-run crash still hands off a
	// consistent set, then fill the queue.
	if err := ix.state.StageFollowups(ctx, cs.Xmin, uids); err != nil {
		return nil, err
	}

	if req.record() {
		if err := ix.state.BeginCycle(ctx, cs); err != nil {
			return nil, err
		}
	}

	loaded, err := ix.queue.LoadUUIDs(ctx, uids)
	if err != nil {
		return ix.finishFatal(ctx, cs, req, fmt.Errorf("indexer load uuids failed: %w", err))
	}
	if loaded != len(uids) {
		return ix.finishFatal(ctx, cs, req, fmt.Errorf("uuids failed to all load: %d of %d only", loaded, len(uids)))
	}

	// RUN: drain the queue with the worker pool
	errs, runErr := ix.runWorkers(ctx, cs.Xmin, token)
	cs.Errors = errs

	// FINALIZE
	undoneUIDs := ix.queue.CloseIndexing(ctx)
	if runErr != nil {
		cs.Status = types.CycleStatusError
		cycleLog.Error().Err(runErr).Msg("Indexing run failed")
	}
	if result.FirstTxnTimestamp != nil {
		lag := time.Since(*result.FirstTxnTimestamp)
		cs.TxnLag = lag.Round(time.Millisecond).String()
		metrics.TxnLag.Set(lag.Seconds())
	}

	if req.record() {
		if err := ix.state.FinishCycle(ctx, cs, undoneUIDs); err != nil {
			return nil, err
		}
	} else if cs.Status != types.CycleStatusError {
		cs.Status = types.CycleStatusDone
		cs.LastXmin = cs.Xmin
		cs.Undone = undoneUIDs
	}

	if err := ix.search.Refresh(ctx); err != nil {
		cycleLog.Error().Err(err).Msg("Failed to refresh search store after cycle")
	}
	if result.FullReindex {
		if err := ix.search.SyncedFlush(ctx); err != nil {
			cycleLog.Warn().Err(err).Msg("Synced flush after full reindex failed")
		}
	}

	// NOTIFY
	ix.state.SendNotices(ctx)

	outcome := "completed"
	if cs.Status == types.CycleStatusError {
		outcome = "failed"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	cycleTimer.ObserveDuration(metrics.CycleDuration)
	cycleLog.Info().
		Int("invalidated", cs.Invalidated).
		Int("errors", len(cs.Errors)).
		Int("undone", len(undoneUIDs)).
		Str("status", string(cs.Status)).
		Msg("Indexing cycle finished")

	if runErr != nil {
		return cs, runErr
	}
	return cs, nil
}

// resolveLastXmin applies the watermark precedence: explicit request
// override, then the persisted meta document, then nothing (first boot).
func (ix *Indexer) resolveLastXmin(ctx context.Context, req Request) (int64, bool, types.CycleState, error) {
	prior, found, err := ix.state.Load(ctx)
	if err != nil {
		return 0, false, types.CycleState{}, err
	}
	if req.LastXmin != nil {
		return *req.LastXmin, true, prior, nil
	}
	if found && prior.LastXmin > 0 {
		return prior.LastXmin, true, prior, nil
	}
	if found && prior.Xmin > 0 {
		return prior.Xmin, true, prior, nil
	}
	return 0, false, prior, nil
}

// finishFatal records a cycle that failed before or during load.
func (ix *Indexer) finishFatal(ctx context.Context, cs *types.CycleState, req Request, cause error) (*types.CycleState, error) {
	cs.Status = types.CycleStatusError
	undoneUIDs := ix.queue.CloseIndexing(ctx)
	if req.record() {
		if err := ix.state.FinishCycle(ctx, cs, undoneUIDs); err != nil {
			ix.logger.Error().Err(err).Msg("Failed to persist failed cycle state")
		}
	}
	metrics.CyclesTotal.WithLabelValues("failed").Inc()
	return cs, cause
}

// runWorkers starts the pool and drains errors until the queue empties,
// the error cap trips, or the run budget is exceeded. With queue_worker
// disabled, no local pool starts and the controller only polls the
// shared queue while workers elsewhere drain it.
func (ix *Indexer) runWorkers(ctx context.Context, xmin int64, token string) ([]types.IndexError, error) {
	if !ix.cfg.QueueWorker {
		return ix.superviseRemote(ctx)
	}

	workers := ix.cfg.Processes
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
		stopping atomic.Bool
	)
	pool := make([]*worker, workers)
	for i := 0; i < workers; i++ {
		w := &worker{
			id:          fmt.Sprintf("worker-%d", i+1),
			logger:      log.WithWorkerID(fmt.Sprintf("worker-%d", i+1)),
			store:       ix.store,
			search:      ix.search,
			render:      ix.render,
			queue:       ix.queue.GetWorker(fmt.Sprintf("worker-%d", i+1)),
			bindTimeout: ix.cfg.BindTimeout.Std(),
			stop:        &stopping,
			sleep:       time.Sleep,
		}
		pool[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(runCtx, xmin, token); err != nil && runCtx.Err() == nil {
				fatalMu.Lock()
				if fatalErr == nil {
					fatalErr = err
				}
				fatalMu.Unlock()
				cancel()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var (
		errs    []types.IndexError
		timeout <-chan time.Time
		runErr  error
	)
	if ix.cfg.RunTimeout > 0 {
		timer := time.NewTimer(ix.cfg.RunTimeout.Std())
		defer timer.Stop()
		timeout = timer.C
	}

drain:
	for {
		select {
		case <-done:
			break drain
		case <-timeout:
			// Workers finish their current batch; remaining uuids land
			// in the undone set.
			runErr = fmt.Errorf("indexer run timeout after %s", ix.cfg.RunTimeout.Std())
			stopping.Store(true)
			<-done
			break drain
		case <-time.After(drainInterval):
			errs = append(errs, ix.queue.PopErrors(ctx)...)
			if len(errs) > maxCycleErrors {
				runErr = fmt.Errorf("indexer stopped after %d errors", len(errs))
				stopping.Store(true)
				<-done
				break drain
			}
		}
	}

	// Final drain after the pool stops
	errs = append(errs, ix.queue.PopErrors(ctx)...)

	fatalMu.Lock()
	if fatalErr != nil && runErr == nil {
		runErr = fatalErr
	}
	fatalMu.Unlock()

	var infos []types.UpdateInfo
	for _, w := range pool {
		w.mu.Lock()
		for _, run := range w.runs {
			ix.logger.Info().Str("worker_id", run.WorkerID).Int("uuids", run.UUIDs).Msg("Worker run complete")
		}
		infos = append(infos, w.infos...)
		w.mu.Unlock()
	}
	ix.writeInitialLog(infos)

	return errs, runErr
}

// superviseRemote watches a queue drained by out-of-process workers.
func (ix *Indexer) superviseRemote(ctx context.Context) ([]types.IndexError, error) {
	var (
		errs    []types.IndexError
		timeout <-chan time.Time
	)
	if ix.cfg.RunTimeout > 0 {
		timer := time.NewTimer(ix.cfg.RunTimeout.Std())
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return errs, ctx.Err()
		case <-timeout:
			return errs, fmt.Errorf("indexer run timeout after %s", ix.cfg.RunTimeout.Std())
		case <-time.After(drainInterval):
			errs = append(errs, ix.queue.PopErrors(ctx)...)
			indexing, err := ix.queue.IsIndexing(ctx)
			if err != nil {
				return errs, err
			}
			if !indexing {
				errs = append(errs, ix.queue.PopErrors(ctx)...)
				return errs, nil
			}
		}
	}
}
