package indexer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/search"
	"github.com/cuemby/hutch/pkg/state"
	"github.com/cuemby/hutch/pkg/types"
)

// fakeMeta is an in-memory meta document store.
type fakeMeta struct {
	docs map[string]json.RawMessage
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{docs: make(map[string]json.RawMessage)}
}

func (f *fakeMeta) GetMeta(ctx context.Context, id string, out any) (bool, error) {
	data, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (f *fakeMeta) PutMeta(ctx context.Context, id string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	f.docs[id] = data
	return nil
}

func (f *fakeMeta) DeleteMeta(ctx context.Context, id string) error {
	delete(f.docs, id)
	return nil
}

// fakeCoordinator pins a canned xmin.
type fakeCoordinator struct {
	xmin    int64
	exports int
	closed  bool
}

func (c *fakeCoordinator) Xmin() int64 { return c.xmin }

func (c *fakeCoordinator) ExportSnapshot(ctx context.Context) (string, error) {
	c.exports++
	return "snap-token", nil
}

func (c *fakeCoordinator) Close() { c.closed = true }

type fakeBinding struct{}

func (fakeBinding) Release() {}

// fakePrimary serves coordinators and bindings without a database.
type fakePrimary struct {
	xmin   int64
	begins int
	binds  int
	coord  *fakeCoordinator
}

func (p *fakePrimary) BeginCycle(ctx context.Context, recovery bool) (Coordinator, error) {
	p.begins++
	p.coord = &fakeCoordinator{xmin: p.xmin}
	return p.coord, nil
}

func (p *fakePrimary) Bind(ctx context.Context, token string, xmin int64, timeout time.Duration) (SnapshotBinding, error) {
	p.binds++
	return fakeBinding{}, nil
}

// fakeTxnSource feeds the resolver.
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

// fakeSearchIndex feeds the resolver's related query.
type fakeSearchIndex struct {
	related []types.UID
}

func (f *fakeSearchIndex) Refresh(ctx context.Context) error { return nil }

func (f *fakeSearchIndex) RelatedUIDs(ctx context.Context, updated, renamed []types.UID) ([]types.UID, int, error) {
	return f.related, len(f.related), nil
}

// harness wires an indexer from fakes.
type harness struct {
	cfg     *config.Config
	meta    *fakeMeta
	primary *fakePrimary
	store   *scriptedSearch
	render  *fakeRenderer
	txn     *fakeTxnSource
	index   *fakeSearchIndex
	state   *state.Store
	ix      *Indexer
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.QueueChunkSize = 2
	cfg.RunTimeout = config.Duration(10 * time.Second)

	h := &harness{
		cfg:     cfg,
		meta:    newFakeMeta(),
		primary: &fakePrimary{xmin: 100},
		store:   newScriptedSearch(),
		render:  &fakeRenderer{},
		txn:     &fakeTxnSource{},
		index:   &fakeSearchIndex{},
	}
	if mutate != nil {
		mutate(h)
	}

	h.state = state.New(h.meta, h.cfg.Followups())
	qs := queue.NewServer(queue.Config{
		ChunkSize: h.cfg.QueueChunkSize,
		BatchSize: h.cfg.QueueBatchSize,
		GetSize:   h.cfg.QueueGetSize,
	})
	res := resolver.New(h.txn, h.index)
	h.ix = New(h.cfg, h.primary, h.store, res, h.state, qs, h.render)
	return h
}

func (h *harness) seedState(t *testing.T, cs types.CycleState) {
	t.Helper()
	require.NoError(t, h.meta.PutMeta(context.Background(), types.DocIndexing, cs))
}

func (h *harness) loadState(t *testing.T) types.CycleState {
	t.Helper()
	var cs types.CycleState
	found, err := h.meta.GetMeta(context.Background(), types.DocIndexing, &cs)
	require.NoError(t, err)
	require.True(t, found)
	return cs
}

// TestRunCycleColdStart tests the first-ever cycle: no state, full
// reindex, last_xmin lands on the current watermark
func TestRunCycleColdStart(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.txn.txns = []types.TransactionRecord{
			{XID: 5, Timestamp: time.Now().UTC(), Updated: []types.UID{"uid-a"}},
			{XID: 6, Timestamp: time.Now().UTC(), Updated: []types.UID{"uid-b"}},
			{XID: 7, Timestamp: time.Now().UTC(), Updated: []types.UID{"uid-b"}},
		}
		h.txn.allUIDs = []types.UID{"uid-a", "uid-b", "uid-c"}
	})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, cs.FullReindex)
	assert.Equal(t, types.CycleStatusDone, cs.Status)
	assert.Equal(t, int64(100), cs.Xmin)
	assert.Equal(t, int64(100), cs.LastXmin)
	assert.Empty(t, cs.Errors)

	// Every document present at the cycle version
	for _, uid := range []types.UID{"uid-a", "uid-b", "uid-c"} {
		assert.Equal(t, int64(100), h.store.indexed[uid], uid)
	}

	// Snapshot exported exactly once
	assert.Equal(t, 1, h.primary.coord.exports)
	assert.True(t, h.primary.coord.closed)

	persisted := h.loadState(t)
	assert.Equal(t, int64(100), persisted.LastXmin)
}

// TestRunCycleNoop tests the empty cycle: no snapshot, state unchanged
func TestRunCycleNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.seedState(t, types.CycleState{Status: types.CycleStatusDone, Xmin: 90, LastXmin: 90})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, int64(90), cs.LastXmin)
	assert.Zero(t, h.primary.begins, "a no-op cycle must not touch the snapshot coordinator")
	assert.Zero(t, h.store.writes)

	persisted := h.loadState(t)
	assert.Equal(t, int64(90), persisted.LastXmin)
}

// TestRunCycleTransitiveInvalidation tests embedded-uuid expansion end
// to end: updating Y rewrites the embedding document X at the new xmin
func TestRunCycleTransitiveInvalidation(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.txn.txns = []types.TransactionRecord{
			{XID: 95, Timestamp: time.Now().UTC(), Updated: []types.UID{"uid-y"}},
		}
		h.index.related = []types.UID{"uid-x", "uid-y"}
	})
	h.seedState(t, types.CycleState{Status: types.CycleStatusDone, Xmin: 90, LastXmin: 90})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	assert.False(t, cs.FullReindex)
	assert.Equal(t, 2, cs.Invalidated)
	assert.Equal(t, int64(100), h.store.indexed["uid-x"])
	assert.Equal(t, int64(100), h.store.indexed["uid-y"])
	assert.Equal(t, int64(100), h.loadState(t).LastXmin)
}

// TestRunCycleAlreadyIndexing tests the at-most-one-cycle guard
func TestRunCycleAlreadyIndexing(t *testing.T) {
	h := newHarness(t, nil)

	// Simulate an in-flight cycle by loading the queue directly
	qs := h.ix.queue
	_, err := qs.LoadUUIDs(context.Background(), []types.UID{"uid-1"})
	require.NoError(t, err)

	_, err = h.ix.RunCycle(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already indexing")
}

// TestRunCycleDryRun tests that dry runs only resolve
func TestRunCycleDryRun(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.txn.txns = []types.TransactionRecord{
			{XID: 95, Timestamp: time.Now().UTC(), Updated: []types.UID{"uid-y"}},
		}
		h.index.related = []types.UID{"uid-y"}
	})
	h.seedState(t, types.CycleState{Status: types.CycleStatusDone, Xmin: 90, LastXmin: 90})

	cs, err := h.ix.RunCycle(context.Background(), Request{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, cs.Invalidated)
	assert.Zero(t, h.store.writes)
	assert.Zero(t, h.primary.coord.exports, "dry run must not export a snapshot")
	assert.Equal(t, int64(90), h.loadState(t).LastXmin, "dry run must not advance the watermark")
}

// TestRunCycleShortUUIDs tests the debug cap
func TestRunCycleShortUUIDs(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.ShortUUIDs = 1
		h.txn.allUIDs = []types.UID{"uid-a", "uid-b", "uid-c"}
	})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, cs.Invalidated)
	assert.Len(t, h.store.indexed, 1)
}

// TestRunCycleLoadMismatch tests that a partial load is fatal
func TestRunCycleLoadMismatch(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.QueueGetSize = 2
		h.txn.allUIDs = []types.UID{"uid-a", "uid-b", "uid-c"}
	})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to all load")
	assert.Equal(t, types.CycleStatusError, cs.Status)

	// The watermark must not advance on a fatal cycle
	persisted := h.loadState(t)
	assert.Equal(t, types.CycleStatusError, persisted.Status)
	assert.Zero(t, persisted.LastXmin)
}

// TestRunCyclePriorityIdempotent tests running the same priority request
// twice: same final watermark, empty second errors list
func TestRunCyclePriorityIdempotent(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.index.related = []types.UID{"uid-p"}
	})
	h.seedState(t, types.CycleState{Status: types.CycleStatusDone, Xmin: 90, LastXmin: 90})
	require.NoError(t, h.state.SubmitPriority(context.Background(), types.PriorityRequest{UUIDs: []types.UID{"uid-p"}}))

	first, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.LastXmin)
	assert.Empty(t, first.Errors)
	assert.Equal(t, int64(100), h.store.indexed["uid-p"])

	// The request was consumed; the second cycle is a no-op at the same
	// watermark
	second, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), second.LastXmin)
	assert.Empty(t, second.Errors)
}

// TestRunCycleVersionConflict tests that a superseded write is success
func TestRunCycleVersionConflict(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.txn.allUIDs = []types.UID{"uid-r", "uid-s"}
	})
	h.store.failures["uid-r"] = []error{search.ErrConflict}

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	assert.Empty(t, cs.Errors, "conflicts are not errors")
	assert.Equal(t, types.CycleStatusDone, cs.Status)
	assert.Equal(t, int64(100), h.store.indexed["uid-s"], "other uuids are unaffected")
}

// TestRunCycleRenderErrorsRecorded tests per-uuid error accounting
func TestRunCycleRenderErrorsRecorded(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.txn.allUIDs = []types.UID{"uid-a", "uid-bad"}
		h.render.failing = map[types.UID]error{"uid-bad": assert.AnError}
	})

	cs, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err, "per-uuid errors are accumulated, not raised")

	require.Len(t, cs.Errors, 1)
	assert.Equal(t, types.UID("uid-bad"), cs.Errors[0].UID)
	assert.Equal(t, types.CycleStatusDone, cs.Status)
	// Partial success still advances the watermark
	assert.Equal(t, int64(100), h.loadState(t).LastXmin)
}

// TestRunCycleFollowupStaging tests the pre-run hand-off
func TestRunCycleFollowupStaging(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.StageForFollowup = "region_indexer"
		h.txn.allUIDs = []types.UID{"uid-a", "uid-b"}
	})

	_, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	var staging types.FollowupStaging
	found, err := h.meta.GetMeta(context.Background(), "region_indexer_indexing", &staging)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), staging.Xmin)
	assert.ElementsMatch(t, []types.UID{"uid-a", "uid-b"}, staging.UUIDs)
}

// TestRunCycleInitialLog tests the one-time per-uuid timing log
func TestRunCycleInitialLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "initial.log")
	h := newHarness(t, func(h *harness) {
		h.cfg.InitialLog = true
		h.cfg.InitialLogPath = path
		h.txn.allUIDs = []types.UID{"uid-a", "uid-b"}
	})

	_, err := h.ix.RunCycle(context.Background(), Request{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines, "one JSON line per uuid")
}

// TestRunCycleIndexerDisabled tests the node-level gate
func TestRunCycleIndexerDisabled(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Indexer = false
	})

	_, err := h.ix.RunCycle(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
