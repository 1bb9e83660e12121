/*
Package queue holds one cycle's invalidation set and its settlement
accounting, between the controller that loads it and the workers that
drain it.

The queue is the only mutable state shared between the controller and
the worker pool, and its accounting is what makes the pipeline's
nothing-silently-dropped invariant checkable: every uuid that enters
either settles (success or recorded error) or surfaces in the undone
set when the cycle closes.

# Architecture

	┌────────────────────── QUEUE SERVER ───────────────────────┐
	│                                                            │
	│  controller ──► LoadUUIDs ──► ┌──────────────────────┐    │
	│                               │      Backend          │    │
	│  worker-1 ──► GetBatch ─────► │                       │    │
	│           ◄── [uuids] ────────│  pending:     FIFO    │    │
	│           ──► Report ───────► │  outstanding: per-    │    │
	│                               │               worker  │    │
	│  worker-N ──► GetBatch ─────► │  errors:      list    │    │
	│                               └──────────┬───────────┘    │
	│  controller ──► PopErrors ◄──────────────┘                │
	│  controller ──► CloseIndexing ──► undone = pending +      │
	│                                   outstanding             │
	│                                                            │
	│  ┌─────────────────────────────────────────────────┐     │
	│  │ One-way failover                                 │     │
	│  │  remote IsIndexing/LoadUUIDs error               │     │
	│  │      └──► switch to in-process backend,          │     │
	│  │           permanent for process lifetime         │     │
	│  └─────────────────────────────────────────────────┘     │
	└────────────────────────────────────────────────────────────┘

# Contract

LoadUUIDs returns the count actually accepted; the controller treats a
mismatch as fatal for the cycle. Between LoadUUIDs and CloseIndexing,
IsIndexing reports true, which doubles as the at-most-one-cycle guard: a
trigger arriving while a cycle runs gets an "already indexing" refusal.
PopErrors drains each recorded error exactly once. CloseIndexing returns
every uuid that was loaded but never confirmed; those become the next
cycle's undone set.

Batches are handed to exactly one worker. Within the same cycle there is
no ordering requirement across workers; per-uuid outcomes must not
depend on order, and the external-version write semantics make that
safe.

# Backends

Two backends implement the same interface:

	simple  in-process bounded FIFO; batches are sliced off the front;
	        zero dependencies, always available
	redis   uuids in Redis lists; survives controller restarts and lets
	        out-of-process workers drain the same queue

Redis key family, under the configured queue name:

	<q>:uuids               pending uuids (RPUSH / LPOP count)
	<q>:processing:<worker> outstanding uuids per worker
	<q>:errors              per-uuid error records, JSON encoded
	<q>:indexing            cycle-in-flight marker

A batch moves from <q>:uuids onto the worker's processing list in
GetBatch and is trimmed off it in Report; CloseIndexing gathers whatever
remains on either list as the undone set, then deletes the family.

# Failover

If the remote backend's IsIndexing or LoadUUIDs call fails, the server
switches to the in-process backend for the remainder of the process
lifetime. The switch is deliberately one-way: a backend that flaps in
and out mid-cycle would double-count or lose settlement records, and
cycle accounting is the one thing this package must never corrupt. A
load failure still fails the current cycle (its set may be partially
pushed to the dead backend); the next cycle re-resolves the same uuids
from last_xmin and runs on the in-process backend.

# Sizing

Three numbers bound the queue:

	chunk_size  (1024)     uuids per worker batch; bounds per-worker
	                       memory and the blast radius of a worker crash
	batch_size  (5000)     uuids one round of error draining covers
	get_size    (2000000)  per-cycle load ceiling

# Usage

Controller side:

	server := queue.NewServer(queue.Config{
		Backend:   redisBackend, // nil → in-process
		ChunkSize: 1024,
		BatchSize: 5000,
		GetSize:   2000000,
	})

	if indexing, _ := server.IsIndexing(ctx); indexing {
		return errAlreadyIndexing
	}
	loaded, err := server.LoadUUIDs(ctx, uids)
	// loaded != len(uids) is fatal for the cycle

	// ... while workers run:
	errs := server.PopErrors(ctx)

	undone := server.CloseIndexing(ctx)

Worker side:

	w := server.GetWorker("worker-1")
	for {
		batch, err := w.GetBatch(ctx)
		if err != nil || len(batch) == 0 {
			break
		}
		// process batch...
		_ = w.Report(ctx, successes, batchErrors)
	}

# Integration Points

  - pkg/indexer: the controller loads/drains/closes; pool workers pull
    batches through Worker handles
  - pkg/types: uuids and IndexError records cross this boundary
  - pkg/metrics: queue depth gauge and the failover counter
  - cmd/hutch: constructs the redis backend from queue_* config keys

# Design Patterns

Outstanding-until-reported: GetBatch does not remove work, it parks it
per worker. A worker that dies between GetBatch and Report loses nothing
permanently: its parked uuids surface as undone at close. This is the
Redis reliable-queue pattern (list-to-list move) applied per worker.

Count-checked load: LoadUUIDs reporting the accepted count, and the
caller comparing it, turns silent truncation (a half-pushed set on a
dying backend) into an explicit cycle failure.

Dumb backends, smart server: backends only store and count; the refusal
logic ("already indexing"), failover policy, and metrics live in the
server so both backends stay trivially interchangeable.

# Performance Characteristics

simple backend: all operations are O(batch) under one mutex; a full
2M-uuid load is a single append. Memory is the dominant cost, about
40 bytes per uuid plus the outstanding map.

redis backend: LoadUUIDs pipelines RPUSH in 10k chunks (a 1M-uuid load
is ~100 round trips); GetBatch and Report are one LPOP-count plus one
RPUSH each; IsIndexing is O(workers) LLENs plus a KEYS scan over the
processing pattern, which is bounded by pool size, not queue depth.

# Troubleshooting

Failover fired (hutch_queue_failovers_total incremented):
  - Cause: redis unreachable at IsIndexing/LoadUUIDs time
  - Effect: this process never returns to redis; cross-process workers
    stop receiving work from it
  - Solution: fix redis, restart the process to re-select the remote
    backend

Cycle stuck with IsIndexing true and idle workers:
  - Check: <q>:processing:* lists in redis; a worker died holding a
    parked batch and nothing will settle it mid-cycle
  - Solution: the controller's run budget will close the cycle and the
    parked uuids become undone; lower run_timeout if this bites often

Undone set persistently nonzero:
  - Cause: workers dying mid-batch (crash, OOM) or the run budget
    tripping every cycle
  - Check: worker logs, hutch_cycle_duration_seconds vs run_timeout

Error list grows without bound:
  - PopErrors is drained by the controller every 250ms during RUN; a
    growing <q>:errors outside RUN means a stray worker is reporting
    into a closed cycle; check for two processes sharing a queue name

# Best Practices

1. Give each deployment its own queue_name; two pipelines sharing a
   redis DB and name will interleave their accounting.

2. Keep chunk_size modest. Large chunks amortize round trips but turn
   one worker crash into thousands of undone uuids.

3. Treat the failover counter as a paging signal: the pipeline is
   healthy on the in-process backend, but cross-process durability is
   gone until restart.

# See Also

  - pkg/indexer - the controller and worker pool driving this queue
  - pkg/state - where the undone set is persisted between cycles
  - pkg/metrics - queue depth and failover counters
*/
package queue
