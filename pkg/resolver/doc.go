/*
Package resolver computes each cycle's invalidation set: the uuids whose
indexed documents must be rebuilt, given the transactions committed
since the last cycle and any priority requests.

This is the only non-trivial algorithmic work in the cycle; everything
downstream is plumbing around the set this package produces.

# Algorithm

	                      last_xmin known?
	                      │no            │yes
	                      ▼              ▼
	              all uids of      scan txn log from last_xmin
	              matching types   updated = ⋃ updated_i ∪ priority
	              FULL REINDEX     renamed = ⋃ renamed_i
	                                     │
	                 both empty? ── yes ─┼──► ∅  (cycle no-ops)
	                                     ▼
	              |updated|+|renamed| > MaxClauses?
	                      │yes           │no
	                      ▼              ▼
	              all uids         refresh; bool/should terms query:
	              FULL REINDEX     embedded_uuids ∩ updated OR
	              (query never     linked_uuids ∩ renamed
	               issued)               │
	                                     ▼
	              total hits > SearchMax? ── yes ──► all uids,
	                      │no                        FULL REINDEX
	                      ▼
	              related ∪ updated

The two ceilings are correctness safety valves, not optimizations:
reindexing everything is always sound, a silently partial set never is.
Renamed uuids themselves are not added to the set (only the documents
that link them) because a rename changes how referrers display the
object, not the object's own document.

# Output

Result carries the set plus the cycle accounting that lands in the
state record: transaction count, max xid, updated/renamed/referencing
counts, and the earliest transaction timestamp (the basis for txn_lag).

# Usage

	res := resolver.New(db, searchClient)
	result, err := res.Resolve(ctx, lastXmin, haveLastXmin, priority, types)
	if result.Empty() {
		// no transactions, no priority work: the cycle no-ops
	}
	if result.FullReindex {
		// safety valve tripped or cold start; set covers everything
	}

# Integration Points

  - pkg/snapshot: TxnSource (ScanTransactions, AllUIDs)
  - pkg/search: SearchIndex (Refresh, RelatedUIDs)
  - pkg/indexer: calls Resolve during the RESOLVE stage and copies the
    accounting into the cycle state

# Performance Characteristics

One txn-log scan (indexed on xid) plus at most one search query per
cycle. The query cost scales with the term count, which MaxClauses
bounds at 8192; the response is ids-only (_source disabled) so even a
SearchMax-sized result is a few MB. Set arithmetic is O(updated +
renamed + related) in memory.

The expensive failure mode is the full-reindex fallback, which is
deliberate: its cost is the reason the ceilings log at warn level, and
the cure for tripping them routinely is running cycles more often so
per-cycle deltas shrink.

# See Also

  - pkg/indexer - consumes the result and runs the rebuild
  - pkg/types - MaxClauses, SearchMax, and the back-reference model
*/
package resolver
