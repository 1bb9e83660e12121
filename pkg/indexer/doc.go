/*
Package indexer orchestrates reindex cycles and runs the worker pool that
executes them.

The indexer is the pipeline's controller: it turns "transactions were
committed since last time" into "these documents are rebuilt at this
version", coordinating the snapshot, resolver, state, and queue packages
and owning the only loop that writes documents to the search store.

# Architecture

One cycle is a linear state machine; cycles are strictly serial:

	IDLE → RESOLVE → SNAPSHOT → LOAD → RUN → FINALIZE → NOTIFY → IDLE
	                                 ↓                    ↑
	                                FAIL ─────────────────┘

	┌──────────────────────── ONE CYCLE ───────────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │ RESOLVE                                      │             │
	│  │  - drain priority request + prior undone set │             │
	│  │  - resolver: last_xmin → invalidation set    │             │
	│  │  - empty set → notices, return early         │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                         │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │ SNAPSHOT                                     │             │
	│  │  - pin watermark (xmin) on coordinator tx    │             │
	│  │  - export snapshot token (not in recovery)   │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                         │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │ LOAD                                         │             │
	│  │  - stage follow-up hand-offs FIRST           │             │
	│  │  - persist status=indexing                   │             │
	│  │  - queue.LoadUUIDs; count mismatch → FAIL    │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                         │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │ RUN                                          │             │
	│  │   worker-1 ─┐                                │             │
	│  │   worker-2 ─┼─ get batch → bind → render →   │             │
	│  │   worker-N ─┘   write(version=xmin) → report │             │
	│  │   controller: drain errors, budget, cap      │             │
	│  └──────────────────┬──────────────────────────┘             │
	│                     │                                         │
	│  ┌──────────────────▼──────────────────────────┐             │
	│  │ FINALIZE + NOTIFY                            │             │
	│  │  - close queue, collect undone set           │             │
	│  │  - FinishCycle (only place last_xmin moves)  │             │
	│  │  - refresh; synced flush after full reindex  │             │
	│  │  - send notices                              │             │
	│  └─────────────────────────────────────────────┘             │
	└───────────────────────────────────────────────────────────────┘

# Core Components

Indexer: the controller. One RunCycle call executes one cycle and blocks
for its duration. A mutex serializes callers in-process; the queue's
already-indexing check refuses overlapping triggers across processes.

	ix := indexer.New(cfg, store, searchClient, res, stateStore, queueServer, render)
	cs, err := ix.RunCycle(ctx, indexer.Request{})

worker: one pool member. Each worker owns a private store connection and
a private snapshot binding scoped to one batch, pulls uuids through its
queue handle, and reports settlement when the batch ends.

Request: the trigger-endpoint body. record (persist the outcome,
default true), dry_run (resolve only), recovery (standby mode),
last_xmin (watermark override), types (restrict a full reindex).

# Per-UID Processing

Each uuid moves through two phases inside updateObject:

 1. Render: GET /<uid>/@@index-data via the embed client. A failure here
    is recorded as a per-uuid error and the worker continues; rendering
    is never retried.

 2. Write with retry: index the document at id=uid, version=xmin,
    external-version-gte semantics. The retry schedule on transport
    errors is 0, 10, 20, 40, 80 seconds, five attempts total.

Write outcomes:

	success             counted, next uuid
	version conflict    success; a LATER cycle already wrote a strictly
	                    newer version, so this document is current
	retryable error     connection refused/reset, timeouts, 429/502/503/504;
	                    walk the backoff schedule
	other error         recorded per-uuid, next uuid

Only a snapshot bind failure is fatal to the cycle: it means the worker
cannot see the cycle's database state at all.

# Accounting Invariant

Every uuid loaded into the queue ends the cycle as exactly one of:

	written + conflict_skipped + errors + undone = invalidation_set_size

The undone set (loaded but never confirmed, e.g. a worker died mid
batch) is persisted with the cycle state and merged into the next
cycle's working set, so nothing is silently dropped.

# Usage

Running a cycle from the trigger endpoint (what pkg/api does):

	cs, err := ix.RunCycle(r.Context(), indexer.Request{})
	if err != nil {
		// "already indexing" means another trigger won the race;
		// cs may still carry partial state for fatal cycles
	}

Dry run to inspect the invalidation set:

	cs, _ := ix.RunCycle(ctx, indexer.Request{DryRun: true})
	fmt.Printf("would reindex %d uuids\n", cs.Invalidated)

Forcing a targeted rebuild, preferred over watermark overrides:

	// Stage the uuids as a priority request (POST /index/reindex),
	// then trigger; the next cycle merges and drains them
	cs, _ = ix.RunCycle(ctx, indexer.Request{})

Recovery mode against a standby:

	cs, _ = ix.RunCycle(ctx, indexer.Request{Recovery: true})
	// read-committed watermark, no snapshot export, per-worker
	// consistency only

# Integration Points

This package integrates with:

  - pkg/resolver: RESOLVE asks it for the invalidation set
  - pkg/snapshot: SNAPSHOT pins the watermark; workers bind per batch
  - pkg/state: priority intake, cycle begin/finish, follow-up staging,
    notices
  - pkg/queue: LOAD fills it, RUN drains it, CloseIndexing yields the
    undone set
  - pkg/embed: workers render documents through it
  - pkg/search: workers write documents; FINALIZE refreshes and flushes
  - pkg/api: exposes RunCycle as POST /index
  - pkg/metrics: cycle, document, and error counters

# Design Patterns

Serial cycles: there is never more than one cycle in flight. The
in-process mutex and the queue's already-indexing check together enforce
it, which is also what makes the watermark rules safe.

Scoped snapshot bindings: the original system recycled worker processes
after one task to bound render-layer leaks. Goroutine workers have no
process to recycle; the equivalent scoped lifetime is bind-per-batch:
acquire connection + snapshot at batch start, release at batch end, with
a watchdog aborting anything that leaks past the batch.

Graceful stop at batch boundaries: the run budget and the error cap set
a stop flag that workers observe between batches, so the current batch
finishes and its uuids settle. Hard context cancellation is reserved for
fatal errors. Remaining uuids land in the undone set either way.

Errors accumulate, never raise: per-uuid failures flow through the
queue's error list into the cycle state. Only cycle-level failures
(bind timeout, load mismatch, state write failure) abort the cycle, and
an aborted cycle never advances last_xmin.

# Performance Characteristics

Cycle latency decomposes as:

	resolve:   one txn-log scan + one search query     ~10-100ms typical
	snapshot:  two statements on one connection         ~1-5ms
	load:      one queue push per uuid (batched)        ~1ms/1k uuids
	run:       dominated by render + write per uuid     10-100ms/uuid
	finalize:  two meta writes + refresh                ~50-200ms

Throughput scales with the worker pool up to the render service's
capacity: workers spend most wall-clock inside the embed call. With N
workers and a mean per-uuid cost of t, a cycle of U uuids runs in about
U*t/N plus fixed overhead. chunk_size (default 1024) bounds per-worker
memory at roughly one batch of uuids plus one rendered document.

The backoff schedule is worst-case 150 seconds per uuid when the search
store is down; the run budget (run_timeout) caps total cycle time
regardless.

# Troubleshooting

Cycle refuses with "already indexing":
  - Another POST /index is mid-cycle, or a prior process crashed while
    the redis queue still holds uuids
  - Check: queue depth metric, redis keys <queue_name>:uuids and
    <queue_name>:processing:*
  - Solution: let the running cycle finish; for a crashed redis cycle,
    the next trigger on a fresh process will supervise or fail over

last_xmin never advances:
  - Symptom: every cycle is a full reindex or rescans the same txns
  - Cause: cycles finishing with status=error (check the errors list and
    the logs), or record=false triggers
  - Check: meta doc "indexing" in the search store
  - Solution: fix the underlying fatal error; last_xmin moves only on
    clean finalize

Every cycle trips the full-reindex valve:
  - Cause: more than MaxClauses updated+renamed uuids per cycle, or the
    related query matching more than SearchMax documents
  - Check: hutch_full_reindex_total, resolver warn logs
  - Solution: run cycles more frequently so per-cycle deltas shrink

Workers stuck at cycle start:
  - Symptom: bind wait logs "Waiting for xmin to catch up"
  - Cause: replica lagging the primary at cycle start
  - Solution: the bind wait absorbs normal lag; bind_timeout aborts the
    cycle on pathological lag; raise it only if replication is known
    slow

Documents missing after a cycle reports success:
  - Check: version conflicts counter; a later cycle may already have
    rewritten them (that is correct behavior)
  - Check: search store refresh; FINALIZE refreshes but an external
    reader may have queried before the cycle ended

# Monitoring Metrics

The controller and workers export through pkg/metrics:

	hutch_cycles_total{outcome}          completed / failed / noop
	hutch_cycle_duration_seconds         end-to-end cycle latency
	hutch_full_reindex_total             safety-valve widenings
	hutch_invalidated_uuids              per-cycle set sizes
	hutch_documents_indexed_total        successful writes
	hutch_version_conflicts_total        superseded writes
	hutch_indexing_errors_total{kind}    render / write errors
	hutch_write_retries_total            backoff retries
	hutch_txn_lag_seconds                oldest unprocessed txn age

Alert suggestions: cycles_total{outcome="failed"} increasing,
txn_lag_seconds above the acceptable staleness budget, and
full_reindex_total incrementing outside known bulk loads.

# Best Practices

1. Size the pool to the render service: more workers than the render
   service can serve concurrently only moves the queue into its socket
   backlog.

2. Keep run_timeout above the p99 full-reindex duration; a budget that
   trips on routine cycles converts healthy work into undone churn.

3. Treat indexer_short_uuids strictly as a debug lever; a capped cycle
   deliberately leaves the remainder stale until their next mutation.

4. Watch the undone count in cycle state: persistent nonzero undone
   means workers are dying mid-batch (check memory, render crashes).

5. Prefer priority requests over last_xmin overrides for targeted
   repair; overrides rescan the transaction log, priority requests name
   exactly what to rebuild.

# See Also

  - pkg/resolver - invalidation set computation
  - pkg/snapshot - watermark and snapshot bindings
  - pkg/queue - batch hand-out and settlement accounting
  - pkg/state - durable cycle state and follow-up hand-off
  - pkg/embed - document rendering
  - pkg/search - external-version writes
*/
package indexer
