/*
Package types defines the shared data model for the hutch indexing
pipeline.

Every other package exchanges values from this package: UIDs,
transaction records read from the primary store, rendered documents,
cycle state, and the error/timing records accumulated during a run.

# Identifiers

A UID is an opaque 36-character string naming a primary-store object.
UIDs are immutable; renames change an identifier-visible key, never the
UID itself.

# Invalidation Model

Indexed documents carry two back-reference sets:

	           primary store                 indexed documents
	  txn: updated={Y}        ┌─────────────────────────────────┐
	        │                 │ X: embedded_uuids = {X, Y}      │──► stale
	        └────────────────►│    (Y's content is folded in)   │
	                          ├─────────────────────────────────┤
	  txn: renamed={W}        │ Z: linked_uuids = {W}           │──► stale
	        │                 │    (identity-only reference)    │
	        └────────────────►└─────────────────────────────────┘

	embedded_uuids  content folded into the document; a content update
	                to any member makes the document stale
	linked_uuids    identity-only references; a rename of any member
	                makes the document stale

A document's embedded_uuids always includes its own UID, so a direct
update invalidates the document through the same query as a transitive
one.

# Cycle State

CycleState is persisted in the search store's meta index under the
fixed id "indexing". Its LastXmin field is the watermark every cycle
resolves against, and it advances only when a cycle finalizes without a
fatal error. Priority requests live under "reindex"; follow-up
hand-offs under "<name>_indexing". The JSON field names of these
structs are the wire format of those documents: changing a tag is a
(compatible-read, incompatible-write) schema change for running
deployments.

# Safety Ceilings

MaxClauses and SearchMax bound the invalidation query on the input and
output side respectively. Tripping either widens the cycle to a full
reindex, which is always sound and never silently partial. MaxClauses
tracks the search backend's boolean clause limit and must follow it if
the backend is reconfigured.

# Timing Records

UpdateInfo (one per processed uuid) carries render and write phase
timings with per-backoff attempts; WorkerRun summarizes one batch.
These feed the initial indexing log and run summaries only; they are
never persisted to the search store.
*/
package types
