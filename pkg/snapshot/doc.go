/*
Package snapshot coordinates the primary-store side of a reindex cycle:
the pinned repeatable read snapshot, the xmin watermark, worker-side
snapshot bindings, and the transaction-log and identifier scans.

Everything the pipeline knows about "when" comes from this package: the
xmin read here becomes both the cycle watermark compared against
last_xmin and the external version stamped on every document written
this cycle.

# Architecture

	┌──────────────────── PRIMARY STORE (PostgreSQL) ────────────────┐
	│                                                                 │
	│   ┌────────────────────────────┐                                │
	│   │ Coordinator (one per cycle)│                                │
	│   │  BEGIN SERIALIZABLE,       │                                │
	│   │   READ ONLY, DEFERRABLE    │   txid_snapshot_xmin(...)      │
	│   │  ──► xmin watermark        │ ◄── lowest in-progress txid    │
	│   │  ──► pg_export_snapshot()  │                                │
	│   │      = token "0003-001B-1" │                                │
	│   └────────────┬───────────────┘                                │
	│                │ token + xmin                                   │
	│                ▼                                                │
	│   ┌────────────────────────────┐   per batch:                   │
	│   │ Binding (one per batch)    │   BEGIN READ ONLY              │
	│   │  worker-1 ── bind ── ▼     │   SET TRANSACTION SNAPSHOT t   │
	│   │  worker-2 ── bind ── ▼     │   wait: conn xmin >= want      │
	│   │  worker-N ── bind ── ▼     │   ... batch ...                │
	│   │  (doomed: always ROLLBACK) │   ROLLBACK (Release/watchdog)  │
	│   └────────────────────────────┘                                │
	│                                                                 │
	│   transactions(xid, timestamp, data{updated,renamed})           │
	│   resources(rid, item_type)                                     │
	└─────────────────────────────────────────────────────────────────┘

# Core Components

Coordinator: BeginCycle opens a read-only transaction at the strongest
isolation the store supports and reads the current xmin.

	SERIALIZABLE, READ ONLY, DEFERRABLE    primary mode
	READ COMMITTED, READ ONLY              recovery (standby) mode

DEFERRABLE prevents query cancellation due to conflicts but requires
serializable mode, which a standby cannot provide; recovery mode accepts
the weaker level and skips snapshot export entirely.

ExportSnapshot mints a transferable token (pg_export_snapshot) from the
pinned transaction so every worker reads the same snapshot. Minting
consumes a transaction id, so it happens at most once per cycle and only
once the cycle is known to have work.

Binding: Bind opens a doomed, never-commit transaction on its own pooled
connection, attaches the exported snapshot, and blocks until the
connection reports an xmin at least as large as the coordinator's. The
wait exists for replicas that lag the primary at cycle start; exceeding
the bind timeout is fatal to the cycle. An empty token (recovery mode)
skips the attach and accepts per-worker read-committed reads.

Store scans: ScanTransactions reads the append-only transaction log from
a given xid; AllUIDs lists every object identifier (optionally filtered
by item type) for the full-reindex branches.

# Usage

Controller side, once per cycle:

	coord, err := db.BeginCycle(ctx, recovery)
	if err != nil {
		return err
	}
	defer coord.Close() // always ROLLBACK + release

	xmin := coord.Xmin()
	token := ""
	if !recovery {
		token, err = coord.ExportSnapshot(ctx)
	}

Worker side, once per batch:

	binding, err := db.Bind(ctx, token, xmin, bindTimeout)
	if err != nil {
		return err // fatal: the worker cannot see the cycle's state
	}
	// ... process the batch ...
	binding.Release()

Resolver inputs:

	txns, err := db.ScanTransactions(ctx, lastXmin)
	uids, err := db.AllUIDs(ctx, []string{"snowball"})

# Integration Points

  - pkg/indexer: the controller holds the Coordinator for the cycle;
    each pool worker binds per batch through the PrimaryStore adapter
  - pkg/resolver: consumes ScanTransactions and AllUIDs as its TxnSource
  - pkg/embed: the token and xmin travel to the render service as
    headers so a co-located renderer can bind the same snapshot
  - pkg/metrics: bind wait duration histogram

# Design Patterns

Doomed transactions: bindings exist only to pin visibility; they are
opened knowing they will be rolled back. Committing a worker
transaction would be a bug, so the API never exposes commit.

Scoped acquisition: a binding is acquired at batch start and released
at batch end. The original system expressed the same lifetime with
process-wide state and signal handlers; here the lifetime is a value
held by one worker for one batch, and no shared mutability crosses the
worker boundary.

Watchdog upper bound: a binding that leaks past its batch (a hung
render call, a worker bug) is force-rolled-back by a timer so a single
stuck worker cannot hold back vacuum for the whole store. Release stops
the watchdog; both paths are idempotent under a mutex.

# Performance Characteristics

BeginCycle is two statements on one pooled connection (~1-5ms). Export
is one statement and is deliberately deferred until work is certain,
because pg_export_snapshot consumes a transaction id.

Bind cost is one connection acquire plus three statements, typically
~2-5ms when the replica is caught up. When it lags, the wait polls at
100ms intervals, rolling back and re-opening the candidate transaction
each try so the connection's snapshot can advance. With B batches per
cycle the total binding overhead is B * bind cost, which chunk_size
trades directly against worker crash blast radius.

Holding the coordinator transaction open for the cycle duration pins
xmin for the whole database: autovacuum cannot reclaim rows newer than
the cycle start until the cycle ends. Long cycles therefore have a
store-wide cost beyond their own runtime.

# Troubleshooting

Bind times out ("timed out waiting for xmin"):
  - Cause: the worker's connection landed on a replica lagging the
    primary beyond bind_timeout
  - Check: replication lag on the standby; the "Waiting for xmin to
    catch up" info logs show the gap
  - Solution: fix replication or raise bind_timeout; the cycle aborts
    safely and the next trigger retries

"snapshot export is not available in recovery mode":
  - Cause: ExportSnapshot called with recovery=true
  - Solution: recovery cycles run without a shared snapshot by design;
    workers read at read-committed individually

Watchdog fires ("Snapshot binding watchdog fired"):
  - Cause: a batch exceeded the binding's upper bound, usually a hung
    embed call
  - Effect: the transaction is aborted; the worker's next statement on
    that binding fails and the batch's unreported uuids become undone
  - Solution: find the hang (render service logs); the watchdog is the
    backstop, not the fix

Table bloat during long cycles:
  - Cause: the coordinator transaction pins xmin for its duration
  - Check: pg_stat_activity backend_xmin for the hutch connection
  - Solution: shorter cycles (run more often), or accept the bloat
    window for known bulk reindexes

# Best Practices

1. Keep bind_timeout comfortably above normal replication lag but low
   enough that a dead standby fails the cycle in minutes, not hours.

2. Run cycles frequently. Small deltas mean short coordinator
   transactions, which is the single biggest kindness to autovacuum.

3. Point workers and coordinator at the same host unless you have a
   real read-replica fleet; the bind wait exists for the replica case
   but adds no value when everything is one primary.

# See Also

  - pkg/indexer - holds the coordinator and binds workers per batch
  - pkg/resolver - consumes the transaction-log scan
  - PostgreSQL docs: SET TRANSACTION, pg_export_snapshot,
    txid_current_snapshot
*/
package snapshot
