package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxClauses is the search backend's boolean query clause ceiling.
	// An invalidation input set larger than this cannot be expressed as a
	// single terms query and forces a full reindex. Tracks Elasticsearch's
	// indices.query.bool.max_clause_count default.
	MaxClauses = 8192

	// SearchMax caps the invalidation query result size. A query whose
	// total hit count exceeds this would be silently partial, so the
	// resolver widens to a full reindex instead.
	SearchMax = 99999

	// UIDLength is the fixed length of a primary-store identifier.
	UIDLength = 36
)

// Well-known search-store locations for cycle state.
const (
	// MetaIndex holds the indexer's own state documents.
	MetaIndex = "meta"

	// ResourcesIndex is the alias covering every per-type document index.
	// Invalidation queries and admin operations (refresh, synced flush)
	// target this alias rather than individual type indices.
	ResourcesIndex = "resources"

	// DocIndexing is the meta document id for current cycle state.
	DocIndexing = "indexing"

	// DocReindex is the meta document id for pending priority requests.
	DocReindex = "reindex"
)

// UID is the opaque 36-character identifier of a primary-store object.
type UID string

// Valid reports whether the UID is a well-formed 36-character identifier.
func (u UID) Valid() bool {
	if len(u) != UIDLength {
		return false
	}
	_, err := uuid.Parse(string(u))
	return err == nil
}

// TransactionRecord is one committed primary-store transaction as exposed
// by the transaction log. Append-only from the pipeline's point of view.
type TransactionRecord struct {
	XID       int64
	Timestamp time.Time
	Updated   []UID // content changed
	Renamed   []UID // identifier-visible key changed
}

// Document is the rendered, indexable form of a UID as returned by the
// embed endpoint. Raw carries the complete response body and is what gets
// written to the search store; the typed fields are the subset the
// pipeline itself inspects.
type Document struct {
	ItemType      string `json:"item_type"`
	EmbeddedUUIDs []UID  `json:"embedded_uuids"`
	LinkedUUIDs   []UID  `json:"linked_uuids"`
	Raw           []byte `json:"-"`
}

// IndexError records a per-UID failure. Accumulated, never raised: the
// cycle continues and the error lands in the final state record.
type IndexError struct {
	UID       UID       `json:"uuid"`
	Message   string    `json:"error_message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e IndexError) Error() string {
	return fmt.Sprintf("uuid %s: %s", e.UID, e.Message)
}

// CycleStatus is the lifecycle tag persisted with the cycle state doc.
type CycleStatus string

const (
	CycleStatusWaiting  CycleStatus = "waiting"
	CycleStatusIndexing CycleStatus = "indexing"
	CycleStatusDone     CycleStatus = "done"
	CycleStatusError    CycleStatus = "error"
)

// CycleState is the durable record of one reindex cycle, persisted in the
// meta index under DocIndexing. LastXmin only ever advances when a cycle
// finalizes without a fatal error.
type CycleState struct {
	Status            CycleStatus  `json:"status"`
	Xmin              int64        `json:"xmin"`
	LastXmin          int64        `json:"last_xmin"`
	TxnCount          int          `json:"txn_count"`
	Invalidated       int          `json:"invalidated"`
	Referencing       int          `json:"referencing"`
	Updated           int          `json:"updated"`
	Renamed           int          `json:"renamed"`
	MaxXID            int64        `json:"max_xid"`
	FirstTxnTimestamp *time.Time   `json:"first_txn_timestamp,omitempty"`
	TxnLag            string       `json:"txn_lag,omitempty"`
	Types             []string     `json:"types,omitempty"`
	FullReindex       bool         `json:"full_reindex,omitempty"`
	CycleStart        *time.Time   `json:"cycle_start,omitempty"`
	CycleTook         string       `json:"cycle_took,omitempty"`
	Errors            []IndexError `json:"errors,omitempty"`
	Undone            []UID        `json:"undone,omitempty"`
}

// PriorityRequest is a caller-submitted set of UIDs (and optionally types)
// to force-reindex, persisted under DocReindex until the next cycle
// drains it.
type PriorityRequest struct {
	UUIDs     []UID      `json:"uuids"`
	Types     []string   `json:"types,omitempty"`
	Requested *time.Time `json:"requested,omitempty"`
}

// FollowupStaging hands a completed cycle's UID set to a downstream
// indexer under its own meta document id ("<name>_indexing").
type FollowupStaging struct {
	Xmin   int64      `json:"xmin"`
	UUIDs  []UID      `json:"uuids"`
	Staged *time.Time `json:"staged,omitempty"`
}

// BackoffAttempt is one write attempt inside the retry schedule.
type BackoffAttempt struct {
	Delay    int     `json:"delay"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

// UpdateInfo is the per-UID timing record produced by a worker: render
// and write phases with per-backoff attempts. Feeds the initial indexing
// log and worker-run summaries; never persisted to the search store.
type UpdateInfo struct {
	UID            UID              `json:"uuid"`
	Xmin           int64            `json:"xmin"`
	ItemType       string           `json:"item_type,omitempty"`
	Start          time.Time        `json:"start_time"`
	End            time.Time        `json:"end_time"`
	RenderDuration float64          `json:"render_duration"`
	WriteDuration  float64          `json:"write_duration"`
	Backoffs       []BackoffAttempt `json:"backoffs,omitempty"`
	Conflict       bool             `json:"conflict,omitempty"`
	Error          *IndexError      `json:"error,omitempty"`
}

// WorkerRun summarizes one worker batch for the cycle log.
type WorkerRun struct {
	WorkerID string `json:"worker_id"`
	UUIDs    int    `json:"uuids"`
}

// DedupeUIDs returns the input with duplicates removed, order preserved.
func DedupeUIDs(uids []UID) []UID {
	seen := make(map[UID]struct{}, len(uids))
	out := make([]UID, 0, len(uids))
	for _, u := range uids {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
