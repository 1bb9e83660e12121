package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

// fakeTxnSource serves canned transactions and identifiers.
type fakeTxnSource struct {
	txns    []types.TransactionRecord
	allUIDs []types.UID
}

func (f *fakeTxnSource) ScanTransactions(ctx context.Context, since int64) ([]types.TransactionRecord, error) {
	var out []types.TransactionRecord
	for _, txn := range f.txns {
		if txn.XID >= since {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (f *fakeTxnSource) AllUIDs(ctx context.Context, itemTypes []string) ([]types.UID, error) {
	return f.allUIDs, nil
}

// fakeSearch records the query it was asked and serves canned hits.
type fakeSearch struct {
	related    []types.UID
	total      int
	refreshed  bool
	queried    bool
	gotUpdated []types.UID
	gotRenamed []types.UID
}

func (f *fakeSearch) Refresh(ctx context.Context) error {
	f.refreshed = true
	return nil
}

func (f *fakeSearch) RelatedUIDs(ctx context.Context, updated, renamed []types.UID) ([]types.UID, int, error) {
	f.queried = true
	f.gotUpdated = updated
	f.gotRenamed = renamed
	total := f.total
	if total == 0 {
		total = len(f.related)
	}
	return f.related, total, nil
}

func ts(sec int) time.Time {
	return time.Date(2024, 3, 1, 10, 0, sec, 0, time.UTC)
}

// TestResolveColdStart tests the first-ever-cycle branch
func TestResolveColdStart(t *testing.T) {
	txn := &fakeTxnSource{allUIDs: []types.UID{"uid-a", "uid-b", "uid-c"}}
	search := &fakeSearch{}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 0, false, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.FullReindex)
	assert.Equal(t, []types.UID{"uid-a", "uid-b", "uid-c"}, result.Invalidated)
	assert.False(t, search.queried, "full reindex must not issue the invalidation query")
}

// TestResolveNoWork tests the no-op cycle
func TestResolveNoWork(t *testing.T) {
	r := New(&fakeTxnSource{}, &fakeSearch{})

	result, err := r.Resolve(context.Background(), 50, true, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Empty())
	assert.False(t, result.FullReindex)
	assert.Zero(t, result.TxnCount)
}

// TestResolveTransitiveInvalidation tests embedded-uuid expansion
func TestResolveTransitiveInvalidation(t *testing.T) {
	// Document X embeds Y; a transaction updates Y
	txn := &fakeTxnSource{txns: []types.TransactionRecord{
		{XID: 51, Timestamp: ts(0), Updated: []types.UID{"uid-y"}},
	}}
	search := &fakeSearch{related: []types.UID{"uid-x", "uid-y"}}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 50, true, nil, nil)
	require.NoError(t, err)

	assert.False(t, result.FullReindex)
	assert.ElementsMatch(t, []types.UID{"uid-x", "uid-y"}, result.Invalidated)
	assert.Equal(t, 1, result.TxnCount)
	assert.Equal(t, int64(51), result.MaxXID)
	assert.Equal(t, 2, result.Referencing)
	assert.True(t, search.refreshed, "the search store must be refreshed before the query")
	assert.Equal(t, []types.UID{"uid-y"}, search.gotUpdated)
	assert.Empty(t, search.gotRenamed)
}

// TestResolveRenamePropagation tests linked-uuid expansion
func TestResolveRenamePropagation(t *testing.T) {
	// Document Z links W; a transaction renames W
	txn := &fakeTxnSource{txns: []types.TransactionRecord{
		{XID: 60, Timestamp: ts(0), Renamed: []types.UID{"uid-w"}},
	}}
	search := &fakeSearch{related: []types.UID{"uid-z"}}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 50, true, nil, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.UID{"uid-z"}, result.Invalidated)
	assert.Equal(t, []types.UID{"uid-w"}, search.gotRenamed)
	assert.Equal(t, 1, result.Renamed)
}

// TestResolvePriorityMerge tests that priority uuids act like updates
func TestResolvePriorityMerge(t *testing.T) {
	txn := &fakeTxnSource{}
	search := &fakeSearch{related: []types.UID{"uid-p"}}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 50, true, []types.UID{"uid-p"}, nil)
	require.NoError(t, err)

	assert.False(t, result.FullReindex)
	assert.ElementsMatch(t, []types.UID{"uid-p"}, result.Invalidated)
	assert.Equal(t, 1, result.Updated)
}

// TestResolveClauseCeiling tests the input-size safety valve
func TestResolveClauseCeiling(t *testing.T) {
	updated := make([]types.UID, types.MaxClauses+1)
	for i := range updated {
		updated[i] = types.UID(fmt.Sprintf("uid-%05d", i))
	}
	txn := &fakeTxnSource{
		txns:    []types.TransactionRecord{{XID: 51, Timestamp: ts(0), Updated: updated}},
		allUIDs: []types.UID{"uid-a", "uid-b"},
	}
	search := &fakeSearch{}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 50, true, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.FullReindex)
	assert.Equal(t, []types.UID{"uid-a", "uid-b"}, result.Invalidated)
	assert.False(t, search.queried, "ceiling trip must skip the invalidation query")
}

// TestResolveResultCeiling tests the output-size safety valve
func TestResolveResultCeiling(t *testing.T) {
	txn := &fakeTxnSource{
		txns:    []types.TransactionRecord{{XID: 51, Timestamp: ts(0), Updated: []types.UID{"uid-y"}}},
		allUIDs: []types.UID{"uid-a", "uid-b", "uid-c"},
	}
	search := &fakeSearch{related: []types.UID{"uid-x"}, total: types.SearchMax + 1}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 50, true, nil, nil)
	require.NoError(t, err)

	assert.True(t, result.FullReindex)
	assert.Equal(t, []types.UID{"uid-a", "uid-b", "uid-c"}, result.Invalidated)
}

// TestResolveAccounting tests txn_count, max_xid, first timestamp
func TestResolveAccounting(t *testing.T) {
	txn := &fakeTxnSource{txns: []types.TransactionRecord{
		{XID: 7, Timestamp: ts(30), Updated: []types.UID{"uid-b"}},
		{XID: 5, Timestamp: ts(10), Updated: []types.UID{"uid-a"}},
		{XID: 6, Timestamp: ts(20), Renamed: []types.UID{"uid-c"}},
	}}
	search := &fakeSearch{related: []types.UID{"uid-a", "uid-b"}}
	r := New(txn, search)

	result, err := r.Resolve(context.Background(), 5, true, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TxnCount)
	assert.Equal(t, int64(7), result.MaxXID)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, result.Renamed)
	require.NotNil(t, result.FirstTxnTimestamp)
	assert.Equal(t, ts(10), *result.FirstTxnTimestamp)
}
