package indexer

import (
	"context"
	"time"

	"github.com/cuemby/hutch/pkg/snapshot"
)

// primaryDB adapts the concrete snapshot.DB to the PrimaryStore
// interface.
type primaryDB struct {
	db *snapshot.DB
}

// NewPrimaryStore wraps the primary-store handle for the controller.
func NewPrimaryStore(db *snapshot.DB) PrimaryStore {
	return &primaryDB{db: db}
}

func (p *primaryDB) BeginCycle(ctx context.Context, recovery bool) (Coordinator, error) {
	coord, err := p.db.BeginCycle(ctx, recovery)
	if err != nil {
		return nil, err
	}
	return coord, nil
}

func (p *primaryDB) Bind(ctx context.Context, token string, xmin int64, timeout time.Duration) (SnapshotBinding, error) {
	binding, err := p.db.Bind(ctx, token, xmin, timeout)
	if err != nil {
		return nil, err
	}
	return binding, nil
}
