package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

// fakeMeta is an in-memory MetaStore with optional per-id write failures.
type fakeMeta struct {
	docs     map[string]json.RawMessage
	failPuts map[string]int // id -> remaining failures
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		docs:     make(map[string]json.RawMessage),
		failPuts: make(map[string]int),
	}
}

func (f *fakeMeta) GetMeta(ctx context.Context, id string, out any) (bool, error) {
	data, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (f *fakeMeta) PutMeta(ctx context.Context, id string, body any) error {
	if n, ok := f.failPuts[id]; ok && n > 0 {
		f.failPuts[id] = n - 1
		return errors.New("document too large")
	}
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

// TestLoadMissing tests a first-boot load
func TestLoadMissing(t *testing.T) {
	s := New(newFakeMeta(), nil)

	_, found, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

// TestFinishCycleAdvancesLastXmin tests the watermark advance rules
func TestFinishCycleAdvancesLastXmin(t *testing.T) {
	ctx := context.Background()

	t.Run("success advances", func(t *testing.T) {
		meta := newFakeMeta()
		s := New(meta, nil)

		cs := types.CycleState{Xmin: 100, LastXmin: 80}
		require.NoError(t, s.BeginCycle(ctx, &cs))
		require.NoError(t, s.FinishCycle(ctx, &cs, nil))

		loaded, found, err := s.Load(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.CycleStatusDone, loaded.Status)
		assert.Equal(t, int64(100), loaded.LastXmin)
	})

	t.Run("per-uuid errors still advance", func(t *testing.T) {
		meta := newFakeMeta()
		s := New(meta, nil)

		cs := types.CycleState{Xmin: 100, LastXmin: 80}
		cs.Errors = []types.IndexError{{UID: "uid-1", Message: "render failed", Timestamp: time.Now().UTC()}}
		require.NoError(t, s.FinishCycle(ctx, &cs, nil))

		loaded, _, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(100), loaded.LastXmin)
	})

	t.Run("fatal error does not advance", func(t *testing.T) {
		meta := newFakeMeta()
		s := New(meta, nil)

		cs := types.CycleState{Xmin: 100, LastXmin: 80, Status: types.CycleStatusError}
		require.NoError(t, s.FinishCycle(ctx, &cs, nil))

		loaded, _, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CycleStatusError, loaded.Status)
		assert.Equal(t, int64(80), loaded.LastXmin)
	})
}

// TestFinishCycleRedaction tests the redacted persistence retry
func TestFinishCycleRedaction(t *testing.T) {
	ctx := context.Background()
	meta := newFakeMeta()
	meta.failPuts[types.DocIndexing] = 1
	s := New(meta, nil)

	cs := types.CycleState{Xmin: 100}
	cs.Errors = []types.IndexError{
		{UID: "uid-1", Message: "gigantic stack trace", Timestamp: time.Now().UTC()},
	}
	require.NoError(t, s.FinishCycle(ctx, &cs, nil))

	loaded, _, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, types.UID("uid-1"), loaded.Errors[0].UID)
	assert.Equal(t, redactedMessage, loaded.Errors[0].Message)
}

// TestPriorityCycle tests request intake, undone merge, and restart flag
func TestPriorityCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		s := New(newFakeMeta(), nil)
		request, undone, restart, err := s.PriorityCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, request)
		assert.Empty(t, undone)
		assert.False(t, restart)
	})

	t.Run("request is consumed once", func(t *testing.T) {
		meta := newFakeMeta()
		s := New(meta, nil)
		require.NoError(t, s.SubmitPriority(ctx, types.PriorityRequest{UUIDs: []types.UID{"uid-1", "uid-2"}}))

		request, _, _, err := s.PriorityCycle(ctx)
		require.NoError(t, err)
		require.NotNil(t, request)
		assert.Equal(t, []types.UID{"uid-1", "uid-2"}, request.UUIDs)

		// Second cycle finds nothing
		request, _, _, err = s.PriorityCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, request)
	})

	t.Run("undone and restart from crashed cycle", func(t *testing.T) {
		meta := newFakeMeta()
		s := New(meta, nil)

		crashed := types.CycleState{Xmin: 90, Undone: []types.UID{"uid-9"}}
		require.NoError(t, s.BeginCycle(ctx, &crashed)) // leaves status=indexing

		request, undone, restart, err := s.PriorityCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, request)
		assert.Equal(t, []types.UID{"uid-9"}, undone)
		assert.True(t, restart)
	})
}

// TestSubmitPriorityMerges tests accumulation of pending requests
func TestSubmitPriorityMerges(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeMeta(), nil)

	require.NoError(t, s.SubmitPriority(ctx, types.PriorityRequest{UUIDs: []types.UID{"uid-1"}, Types: []string{"snowball"}}))
	require.NoError(t, s.SubmitPriority(ctx, types.PriorityRequest{UUIDs: []types.UID{"uid-2", "uid-1"}, Types: []string{"snowflake"}}))

	request, _, _, err := s.PriorityCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, request)
	assert.ElementsMatch(t, []types.UID{"uid-1", "uid-2"}, request.UUIDs)
	assert.ElementsMatch(t, []string{"snowball", "snowflake"}, request.Types)
}

// TestStageFollowups tests the pre-run hand-off records
func TestStageFollowups(t *testing.T) {
	ctx := context.Background()
	meta := newFakeMeta()
	s := New(meta, []string{"region_indexer", "vis_indexer"})

	uids := []types.UID{"uid-1", "uid-2"}
	require.NoError(t, s.StageFollowups(ctx, 120, uids))

	for _, name := range []string{"region_indexer", "vis_indexer"} {
		var staging types.FollowupStaging
		found, err := meta.GetMeta(ctx, name+"_indexing", &staging)
		require.NoError(t, err)
		require.True(t, found, name)
		assert.Equal(t, int64(120), staging.Xmin)
		assert.Equal(t, uids, staging.UUIDs)
	}
}
