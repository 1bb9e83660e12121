package state

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// redactedMessage replaces error messages when the final state document
// is too large or otherwise unpersistable; the full messages go to the
// log instead.
const redactedMessage = "Error occurred during indexing, check the logs"

// MetaStore is the slice of the search store the state store needs. All
// cycle state lives in the search store's meta index; there is
// deliberately no second database.
type MetaStore interface {
	GetMeta(ctx context.Context, id string, out any) (bool, error)
	PutMeta(ctx context.Context, id string, body any) error
	DeleteMeta(ctx context.Context, id string) error
}

// Store persists cycle progress, priority requests, undone identifiers,
// and follow-up hand-offs under well-known meta document ids.
type Store struct {
	meta      MetaStore
	followups []string
	logger    zerolog.Logger
}

// New creates a state store. followups lists the downstream indexer names
// that receive the cycle's uuid set before each run.
func New(meta MetaStore, followups []string) *Store {
	return &Store{
		meta:      meta,
		followups: followups,
		logger:    log.WithComponent("state"),
	}
}

// Followups returns the configured downstream indexer names.
func (s *Store) Followups() []string {
	return s.followups
}

// Load reads the persisted cycle state. Returns false when no cycle has
// ever been recorded.
func (s *Store) Load(ctx context.Context) (types.CycleState, bool, error) {
	var cs types.CycleState
	found, err := s.meta.GetMeta(ctx, types.DocIndexing, &cs)
	if err != nil {
		return types.CycleState{}, false, fmt.Errorf("failed to load cycle state: %w", err)
	}
	return cs, found, nil
}

// PriorityCycle drains the pending priority request (if any) and merges
// in uuids from a prior cycle that were never confirmed. The restart flag
// reports that the previous cycle aborted mid-run; current policy is for
// the controller to log it and recompute from last_xmin.
func (s *Store) PriorityCycle(ctx context.Context) (*types.PriorityRequest, []types.UID, bool, error) {
	var request *types.PriorityRequest
	var pr types.PriorityRequest
	found, err := s.meta.GetMeta(ctx, types.DocReindex, &pr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read priority request: %w", err)
	}
	if found {
		request = &pr
		if err := s.meta.DeleteMeta(ctx, types.DocReindex); err != nil {
			return nil, nil, false, fmt.Errorf("failed to consume priority request: %w", err)
		}
		s.logger.Info().Int("uuids", len(pr.UUIDs)).Strs("types", pr.Types).Msg("Priority reindex request consumed")
	}

	prior, haveState, err := s.Load(ctx)
	if err != nil {
		return nil, nil, false, err
	}

	restart := haveState && prior.Status == types.CycleStatusIndexing
	var undone []types.UID
	if haveState && len(prior.Undone) > 0 {
		undone = prior.Undone
		s.logger.Info().Int("undone", len(undone)).Msg("Merging unconfirmed uuids from prior cycle")
	}
	return request, undone, restart, nil
}

// SubmitPriority persists an externally requested reindex for the next
// cycle to drain. Requests accumulate: a pending request's uuids and
// types are merged rather than replaced.
func (s *Store) SubmitPriority(ctx context.Context, request types.PriorityRequest) error {
	var pending types.PriorityRequest
	found, err := s.meta.GetMeta(ctx, types.DocReindex, &pending)
	if err != nil {
		return fmt.Errorf("failed to read pending priority request: %w", err)
	}
	if found {
		request.UUIDs = types.DedupeUIDs(append(pending.UUIDs, request.UUIDs...))
		request.Types = mergeStrings(pending.Types, request.Types)
	}
	now := time.Now().UTC()
	request.Requested = &now
	if err := s.meta.PutMeta(ctx, types.DocReindex, request); err != nil {
		return fmt.Errorf("failed to persist priority request: %w", err)
	}
	return nil
}

// BeginCycle records the cycle as in flight before any work starts, so a
// mid-run crash is observable as a restart by the next cycle.
func (s *Store) BeginCycle(ctx context.Context, cs *types.CycleState) error {
	now := time.Now().UTC()
	cs.Status = types.CycleStatusIndexing
	cs.CycleStart = &now
	if err := s.meta.PutMeta(ctx, types.DocIndexing, cs); err != nil {
		return fmt.Errorf("failed to record cycle start: %w", err)
	}
	return nil
}

// FinishCycle persists the final cycle record. This is the only place
// last_xmin advances, and it advances only when the cycle finalized
// without a fatal error; per-uuid errors still advance it, since failed
// uuids are recorded and reprocessed on their next mutation or by a
// priority request. If persisting fails (for example an oversized error
// list), the write is retried with messages redacted to a placeholder and
// the full messages are logged.
func (s *Store) FinishCycle(ctx context.Context, cs *types.CycleState, undone []types.UID) error {
	if cs.Status != types.CycleStatusError {
		cs.Status = types.CycleStatusDone
		cs.LastXmin = cs.Xmin
	}
	if cs.CycleStart != nil {
		cs.CycleTook = time.Since(*cs.CycleStart).Round(time.Millisecond).String()
	}
	cs.Undone = undone

	err := s.meta.PutMeta(ctx, types.DocIndexing, cs)
	if err == nil {
		return nil
	}
	s.logger.Warn().Err(err).Msg("Failed to persist cycle state, retrying with redacted errors")

	for _, e := range cs.Errors {
		s.logger.Error().Str("uuid", string(e.UID)).Str("error_message", e.Message).Msg("Indexing error")
	}
	redacted := *cs
	redacted.Errors = make([]types.IndexError, len(cs.Errors))
	for i, e := range cs.Errors {
		redacted.Errors[i] = types.IndexError{
			UID:       e.UID,
			Message:   redactedMessage,
			Timestamp: e.Timestamp,
		}
	}
	if err := s.meta.PutMeta(ctx, types.DocIndexing, &redacted); err != nil {
		return fmt.Errorf("failed to persist cycle state: %w", err)
	}
	return nil
}

// StageFollowups records (xmin, uuids) under each downstream indexer's
// state key. Invoked before the main run starts so that a mid-run crash
// still leaves a consistent hand-off; the staging record is never read
// back in the same process.
func (s *Store) StageFollowups(ctx context.Context, xmin int64, uids []types.UID) error {
	now := time.Now().UTC()
	for _, name := range s.followups {
		staging := types.FollowupStaging{
			Xmin:   xmin,
			UUIDs:  uids,
			Staged: &now,
		}
		if err := s.meta.PutMeta(ctx, name+"_indexing", staging); err != nil {
			return fmt.Errorf("failed to stage followup %s: %w", name, err)
		}
		s.logger.Info().Str("followup", name).Int64("xmin", xmin).Int("uuids", len(uids)).Msg("Staged uuids for followup indexer")
	}
	return nil
}

// SendNotices emits the end-of-cycle summary. Telemetry sinks are
// external; notices here are structured log events.
func (s *Store) SendNotices(ctx context.Context) {
	cs, found, err := s.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load state for notices")
		return
	}
	if !found {
		return
	}

	event := s.logger.Info()
	if len(cs.Errors) > 0 || cs.Status == types.CycleStatusError {
		event = s.logger.Warn()
	}
	event.
		Str("status", string(cs.Status)).
		Int64("xmin", cs.Xmin).
		Int64("last_xmin", cs.LastXmin).
		Int("invalidated", cs.Invalidated).
		Int("errors", len(cs.Errors)).
		Int("undone", len(cs.Undone)).
		Msg("Indexing cycle notice")
}

// mergeStrings unions two string lists, order preserved.
func mergeStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
