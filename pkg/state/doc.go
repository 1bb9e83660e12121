/*
Package state persists reindex cycle progress in the search store's meta
index. All reads and writes go through the search store; there is
deliberately no second database, so a fresh node recovers the pipeline's
position from the index it maintains.

# Documents

Constant ids in the meta index:

	┌────────────────────┬────────────────────────────────────────────┐
	│ indexing           │ current cycle state: status, xmin,         │
	│                    │ last_xmin, counts, errors, undone set      │
	│ reindex            │ pending priority request; drained and      │
	│                    │ deleted at the start of every cycle        │
	│ <name>_indexing    │ per-followup staging record (xmin, uuids)  │
	└────────────────────┴────────────────────────────────────────────┘

# last_xmin Rules

FinishCycle is the only place last_xmin advances, and it advances only
when no fatal error aborted the cycle. Partial success with per-uuid
errors still advances it: failed uuids are recorded in the errors list
and are expected to be reprocessed on their next mutation or by a
follow-up priority request. A cycle that finishes with status=error
keeps the old watermark, so the next cycle re-resolves the same span.

# Priority Cycles

PriorityCycle merges two sources into the next working set:

 1. The undone set: uuids a prior cycle loaded but never confirmed
    (worker crash, run budget), persisted with that cycle's state.
 2. Externally requested uuids submitted through SubmitPriority and
    persisted under "reindex". Requests accumulate (a pending
    request's uuids and types are merged, not replaced) and the doc is
    deleted once a cycle consumes it.

It also reports a restart flag when the previous cycle died mid-run
(its state doc still says status=indexing). Current policy: the
controller logs it and recomputes from last_xmin, discarding the stale
set.

# Follow-up Hand-off

StageFollowups records (xmin, uuids) under each downstream indexer's
key before the main run starts, so a mid-run crash still leaves a
consistent hand-off. The staging record is written and never read back
in the same process; downstream indexers read their own key on their
own schedule.

# Redaction

If the final state document cannot be persisted (typically an oversized
errors list), the write is retried once with every message replaced by
a placeholder while the full messages are emitted to the log at error
level. The uuid and timestamp of each error survive redaction.

# Usage

	st := state.New(searchClient, []string{"region_indexer"})

	request, undone, restart, err := st.PriorityCycle(ctx)

	cs := &types.CycleState{Xmin: xmin, LastXmin: lastXmin}
	err = st.BeginCycle(ctx, cs)      // status=indexing, observable
	// ... run ...
	err = st.FinishCycle(ctx, cs, undoneUIDs)

	st.SendNotices(ctx) // end-of-cycle summary as structured log events

# Integration Points

  - pkg/search: the MetaStore implementation (GetMeta/PutMeta/DeleteMeta)
  - pkg/indexer: drives the begin/finish lifecycle and follow-up staging
  - pkg/api: POST /index/reindex lands in SubmitPriority

# Troubleshooting

Restart flag every cycle:
  - Cause: cycles never reach FinishCycle (crash loop or fatal error
    before finalize)
  - Check: the "indexing" meta doc status field and the cycle logs

Priority requests seem ignored:
  - Check: the "reindex" doc; it is deleted the moment a cycle
    consumes it, so absence usually means it was processed; the cycle
    state's invalidated count should reflect the merge

Errors list shows only the placeholder message:
  - The full messages were logged at error level at redaction time;
    search the logs for the uuid
*/
package state
