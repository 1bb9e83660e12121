package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// txnData is the JSON payload of one transaction log row.
type txnData struct {
	Updated []types.UID `json:"updated"`
	Renamed []types.UID `json:"renamed"`
}

// ScanTransactions returns all transaction records with xid >= since, in
// xid order. The transaction log is append-only; rows carry the updated
// and renamed uuid sets as a JSON payload.
func (d *DB) ScanTransactions(ctx context.Context, since int64) ([]types.TransactionRecord, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT xid, "timestamp", data FROM transactions WHERE xid >= $1 ORDER BY xid`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction log: %w", err)
	}
	defer rows.Close()

	var records []types.TransactionRecord
	for rows.Next() {
		var (
			xid  int64
			ts   time.Time
			data []byte
		)
		if err := rows.Scan(&xid, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		var payload txnData
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, fmt.Errorf("failed to parse transaction %d payload: %w", xid, err)
			}
		}
		records = append(records, types.TransactionRecord{
			XID:       xid,
			Timestamp: ts,
			Updated:   payload.Updated,
			Renamed:   payload.Renamed,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transaction log: %w", err)
	}
	return records, nil
}

// AllUIDs returns every object identifier in the primary store, optionally
// restricted to the given item types. Used by the full-reindex branches.
func (d *DB) AllUIDs(ctx context.Context, itemTypes []string) ([]types.UID, error) {
	query := "SELECT rid FROM resources"
	args := make([]any, 0, len(itemTypes))
	if len(itemTypes) > 0 {
		placeholders := make([]string, len(itemTypes))
		for i, t := range itemTypes {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, t)
		}
		query += fmt.Sprintf(" WHERE item_type IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY rid"

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list object identifiers: %w", err)
	}
	defer rows.Close()

	var uids []types.UID
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("failed to scan object identifier: %w", err)
		}
		uids = append(uids, types.UID(rid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list object identifiers: %w", err)
	}
	return uids, nil
}

// Ping verifies primary-store connectivity for health reporting.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}
