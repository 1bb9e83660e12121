/*
Package search wraps the Elasticsearch client for the operations the
reindex pipeline performs against the search store.

The search store plays two roles here: it is the destination for
rendered documents, and it is also the pipeline's only database: cycle
state, priority requests, and follow-up hand-offs all live in its meta
index. There is deliberately no second store to keep consistent.

# Architecture

	┌──────────────────── SEARCH STORE (Elasticsearch) ──────────────┐
	│                                                                 │
	│  per-type indices            resources alias        meta index  │
	│  ┌──────────────┐           ┌──────────────┐    ┌────────────┐ │
	│  │ snowball     │◄─ write ─ │ invalidation │    │ indexing   │ │
	│  │ snowflake    │  version= │ query +      │    │ reindex    │ │
	│  │ ...          │  xmin,    │ refresh +    │    │ <f>_index- │ │
	│  │              │  ext-gte  │ synced flush │    │    ing     │ │
	│  └──────────────┘           └──────────────┘    └────────────┘ │
	└─────────────────────────────────────────────────────────────────┘

# Document Writes

IndexDocument writes at id=uid, version=xmin, version_type=external_gte:
the store rejects a write that would replace a newer version.
A slow worker from an earlier cycle therefore cannot stomp a later
cycle's document; the rejection surfaces as ErrConflict and the caller
treats it as success. Writes carry a 30s request timeout; the retry
schedule around them lives in the worker, not here.

# Invalidation Query

RelatedUIDs issues one bool/should of two terms clauses:

	documents whose embedded_uuids intersect the cycle's updated set, or
	whose linked_uuids intersect the cycle's renamed set

with _source disabled, request caching off (each cycle's term set is
unique; cached filters would only poison memory), against the resources
alias, capped at types.SearchMax ids. The caller must treat a total hit
count above the cap as "widen to full reindex", since the id list would be
silently partial otherwise.

# Error Classification

Callers branch on two predicates rather than inspecting responses:

	IsConflict(err)   external-version conflict; the document is current
	IsRetryable(err)  transport failures (connection refused/reset, EOF,
	                  timeouts) and overload statuses (429/502/503/504)

Everything else is a recorded per-uuid error or, for admin and meta
operations, a cycle-level error. StatusError carries the status code
and a bounded body excerpt for diagnostics.

# Usage

	client, err := search.NewClient(search.Config{URL: "http://es:9200"})

	// worker write
	err = client.IndexDocument(ctx, doc, uid, xmin)
	switch {
	case err == nil:
	case search.IsConflict(err):  // success, superseded
	case search.IsRetryable(err): // walk the backoff schedule
	default:                      // record per-uuid error
	}

	// resolver query
	ids, total, err := client.RelatedUIDs(ctx, updated, renamed)

	// cycle state
	var cs types.CycleState
	found, err := client.GetMeta(ctx, types.DocIndexing, &cs)
	err = client.PutMeta(ctx, types.DocIndexing, cs)

Tests inject a fake transport through Config.Transport; no live cluster
is involved.

# Integration Points

  - pkg/indexer: workers write documents; the controller refreshes and
    requests the post-full-reindex synced flush
  - pkg/resolver: refresh + RelatedUIDs
  - pkg/state: all meta document reads and writes
  - cmd/hutch: constructs the client from search_url

# Troubleshooting

Writes keep failing with 400:
  - Cause: usually a mapping conflict between the rendered document and
    the per-type index mapping
  - Effect: recorded per-uuid, not retried; the uuid reappears on its
    next mutation
  - Solution: fix the mapping or the render output; check the bounded
    body excerpt in the error message

Every write conflicts:
  - Cause: a concurrent deployment running cycles against the same
    store with a higher watermark
  - Check: meta doc "indexing" xmin vs this node's cycle logs
  - Solution: one deployment per store; conflicts are harmless but mean
    this node's work is all superseded

Synced flush returns 409:
  - Not an error: the index is still being written; the client ignores
    it and the flush is retried after the next full reindex

# See Also

  - pkg/state - the meta-document layout this client persists
  - pkg/resolver - how the invalidation query results are used
  - Elasticsearch docs: index versioning (external_gte), terms query
*/
package search
