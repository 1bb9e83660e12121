package queue

import (
	"context"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

// SimpleBackend is the in-process queue: a bounded FIFO shared between
// the controller and the workers. It has no external dependencies and is
// therefore always available as the failover target.
type SimpleBackend struct {
	maxLoad int

	mu          sync.Mutex
	queue       []types.UID
	outstanding map[string][]types.UID
	errors      []types.IndexError
	indexing    bool
}

// NewSimpleBackend creates an in-process backend accepting at most
// maxLoad uuids per cycle.
func NewSimpleBackend(maxLoad int) *SimpleBackend {
	return &SimpleBackend{
		maxLoad:     maxLoad,
		outstanding: make(map[string][]types.UID),
	}
}

// Name identifies the backend in logs.
func (b *SimpleBackend) Name() string {
	return "simple"
}

// IsIndexing reports whether loaded uuids remain unsettled.
func (b *SimpleBackend) IsIndexing(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexing && b.unsettled() > 0, nil
}

// unsettled counts queued plus outstanding uuids. Caller holds b.mu.
func (b *SimpleBackend) unsettled() int {
	n := len(b.queue)
	for _, batch := range b.outstanding {
		n += len(batch)
	}
	return n
}

// LoadUUIDs enqueues the invalidation set up to the load ceiling.
func (b *SimpleBackend) LoadUUIDs(ctx context.Context, uids []types.UID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := uids
	if b.maxLoad > 0 && len(accepted) > b.maxLoad {
		accepted = accepted[:b.maxLoad]
	}
	b.queue = append(b.queue, accepted...)
	b.indexing = true
	return len(accepted), nil
}

// GetBatch slices at most max uuids off the front of the queue.
func (b *SimpleBackend) GetBatch(ctx context.Context, workerID string, max int) ([]types.UID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := max
	if n > len(b.queue) {
		n = len(b.queue)
	}
	if n == 0 {
		return nil, nil
	}
	batch := make([]types.UID, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.outstanding[workerID] = append(b.outstanding[workerID], batch...)
	return batch, nil
}

// Report settles the oldest successes+len(errs) outstanding uuids of the
// worker and records the errors.
func (b *SimpleBackend) Report(ctx context.Context, workerID string, successes int, errs []types.IndexError) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	settled := successes + len(errs)
	pending := b.outstanding[workerID]
	if settled > len(pending) {
		settled = len(pending)
	}
	b.outstanding[workerID] = pending[settled:]
	if len(b.outstanding[workerID]) == 0 {
		delete(b.outstanding, workerID)
	}
	b.errors = append(b.errors, errs...)
	return nil
}

// PopErrors drains accumulated errors.
func (b *SimpleBackend) PopErrors(ctx context.Context) ([]types.IndexError, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	errs := b.errors
	b.errors = nil
	return errs, nil
}

// CloseIndexing ends the cycle and returns unconfirmed uuids.
func (b *SimpleBackend) CloseIndexing(ctx context.Context) ([]types.UID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var undone []types.UID
	undone = append(undone, b.queue...)
	for _, batch := range b.outstanding {
		undone = append(undone, batch...)
	}
	b.queue = nil
	b.outstanding = make(map[string][]types.UID)
	b.indexing = false
	return undone, nil
}
