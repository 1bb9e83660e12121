package resolver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// TxnSource reads the primary store's transaction log and identifier
// catalog.
type TxnSource interface {
	ScanTransactions(ctx context.Context, since int64) ([]types.TransactionRecord, error)
	AllUIDs(ctx context.Context, itemTypes []string) ([]types.UID, error)
}

// SearchIndex is the slice of the search store the resolver needs for
// transitive invalidation.
type SearchIndex interface {
	Refresh(ctx context.Context) error
	RelatedUIDs(ctx context.Context, updated, renamed []types.UID) ([]types.UID, int, error)
}

// Result is one cycle's invalidation outcome.
type Result struct {
	// Invalidated is the deduplicated set of uuids to rebuild.
	Invalidated []types.UID

	// FullReindex marks a widening to every object of interest: a cold
	// start, or a tripped safety ceiling. A cold start scans no
	// transactions, so its per-transaction counts stay zero; a ceiling
	// widening keeps the counts it gathered.
	FullReindex bool

	TxnCount          int
	MaxXID            int64
	Updated           int
	Renamed           int
	Referencing       int
	FirstTxnTimestamp *time.Time
}

// Empty reports a cycle with nothing to do.
func (r *Result) Empty() bool {
	return len(r.Invalidated) == 0 && r.TxnCount == 0
}

// Resolver maps (last_xmin, priority uuids) to the set of documents that
// must be rebuilt, expanding transitively through the index's
// back-reference fields.
type Resolver struct {
	txn    TxnSource
	search SearchIndex
	logger zerolog.Logger
}

// New creates a resolver.
func New(txn TxnSource, search SearchIndex) *Resolver {
	return &Resolver{
		txn:    txn,
		search: search,
		logger: log.WithComponent("resolver"),
	}
}

// Resolve computes the invalidation set. haveLastXmin is false on the
// first ever cycle (or after a state wipe), which forces a full reindex
// of the matching types. Priority uuids are treated as updated content.
func (r *Resolver) Resolve(ctx context.Context, lastXmin int64, haveLastXmin bool, priority []types.UID, itemTypes []string) (*Result, error) {
	if !haveLastXmin {
		return r.fullReindex(ctx, itemTypes, &Result{})
	}

	txns, err := r.txn.ScanTransactions(ctx, lastXmin)
	if err != nil {
		return nil, err
	}

	result := &Result{TxnCount: len(txns)}
	updated := make(map[types.UID]struct{})
	renamed := make(map[types.UID]struct{})
	for _, txn := range txns {
		if txn.XID > result.MaxXID {
			result.MaxXID = txn.XID
		}
		if result.FirstTxnTimestamp == nil || txn.Timestamp.Before(*result.FirstTxnTimestamp) {
			ts := txn.Timestamp
			result.FirstTxnTimestamp = &ts
		}
		for _, u := range txn.Updated {
			updated[u] = struct{}{}
		}
		for _, u := range txn.Renamed {
			renamed[u] = struct{}{}
		}
	}

	// A priority request is treated like updated content
	for _, u := range priority {
		updated[u] = struct{}{}
	}

	result.Updated = len(updated)
	result.Renamed = len(renamed)
	if len(updated) == 0 && len(renamed) == 0 {
		return result, nil
	}

	// The input-size ceiling: too many terms for one boolean query
	if len(updated)+len(renamed) > types.MaxClauses {
		r.logger.Warn().
			Int("updated", len(updated)).
			Int("renamed", len(renamed)).
			Int("max_clauses", types.MaxClauses).
			Msg("Invalidation input exceeds clause ceiling, widening to full reindex")
		return r.fullReindex(ctx, nil, result)
	}

	// Recently written documents must be visible to the terms query
	if err := r.search.Refresh(ctx); err != nil {
		return nil, err
	}

	related, total, err := r.search.RelatedUIDs(ctx, keys(updated), keys(renamed))
	if err != nil {
		return nil, err
	}

	// The output-size ceiling: a truncated result would be unsafe
	if total > types.SearchMax {
		r.logger.Warn().
			Int("total_hits", total).
			Int("search_max", types.SearchMax).
			Msg("Invalidation result exceeds size cap, widening to full reindex")
		return r.fullReindex(ctx, nil, result)
	}

	result.Referencing = len(related)
	invalidated := make(map[types.UID]struct{}, len(related)+len(updated))
	for _, u := range related {
		invalidated[u] = struct{}{}
	}
	for u := range updated {
		invalidated[u] = struct{}{}
	}
	result.Invalidated = keys(invalidated)
	r.logger.Info().
		Int("txn_count", result.TxnCount).
		Int("updated", result.Updated).
		Int("renamed", result.Renamed).
		Int("referencing", result.Referencing).
		Int("invalidated", len(result.Invalidated)).
		Msg("Invalidation set resolved")
	return result, nil
}

// fullReindex fills the result with every uuid of the matching types.
func (r *Resolver) fullReindex(ctx context.Context, itemTypes []string, result *Result) (*Result, error) {
	uids, err := r.txn.AllUIDs(ctx, itemTypes)
	if err != nil {
		return nil, err
	}
	result.Invalidated = uids
	result.FullReindex = true
	r.logger.Warn().Int("uuids", len(uids)).Msg("Full reindex triggered")
	return result, nil
}

// keys returns a set's members as a slice.
func keys(set map[types.UID]struct{}) []types.UID {
	out := make([]types.UID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}
