package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
)

const (
	// bindPollInterval is how often a binding re-checks the connection's
	// xmin while waiting for a lagging replica to catch up.
	bindPollInterval = 100 * time.Millisecond

	// bindWatchdogTimeout caps how long a binding may stay open. A batch
	// that leaks its binding past this gets its transaction aborted so
	// the connection returns to the pool.
	bindWatchdogTimeout = 10 * time.Minute
)

const currentXminQuery = "SELECT txid_snapshot_xmin(txid_current_snapshot())"

// DB wraps the primary-store connection pool.
type DB struct {
	sql    *sql.DB
	logger zerolog.Logger
}

// Open connects to the primary store.
func Open(databaseURL string) (*DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}
	return &DB{
		sql:    db,
		logger: log.WithComponent("snapshot"),
	}, nil
}

// NewFromDB wraps an existing pool; tests inject sqlmock here.
func NewFromDB(db *sql.DB) *DB {
	return &DB{
		sql:    db,
		logger: log.WithComponent("snapshot"),
	}
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Coordinator pins one repeatable read snapshot for the duration of a
// cycle. The transaction is read-only and is always rolled back.
type Coordinator struct {
	conn     *sql.Conn
	tx       *sql.Tx
	xmin     int64
	recovery bool
	token    string
}

// BeginCycle opens the coordinator's pinned transaction and reads the
// current xmin watermark: the lowest still-in-progress transaction id.
// Primary mode uses serializable deferrable isolation; recovery mode
// falls back to read committed because serializable deferrable is not
// available on a standby.
func (d *DB) BeginCycle(ctx context.Context, recovery bool) (*Coordinator, error) {
	conn, err := d.sql.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire coordinator connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin coordinator transaction: %w", err)
	}

	isolation := "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ ONLY, DEFERRABLE"
	if recovery {
		isolation = "SET TRANSACTION ISOLATION LEVEL READ COMMITTED, READ ONLY"
	}
	if _, err := tx.ExecContext(ctx, isolation); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, fmt.Errorf("failed to set coordinator isolation: %w", err)
	}

	var xmin int64
	if err := tx.QueryRowContext(ctx, currentXminQuery).Scan(&xmin); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, fmt.Errorf("failed to read current xmin: %w", err)
	}

	d.logger.Debug().Int64("xmin", xmin).Bool("recovery", recovery).Msg("Coordinator transaction pinned")
	return &Coordinator{conn: conn, tx: tx, xmin: xmin, recovery: recovery}, nil
}

// Xmin returns the cycle watermark.
func (c *Coordinator) Xmin() int64 {
	return c.xmin
}

// ExportSnapshot mints a transferable snapshot token from the pinned
// transaction so workers can enter the same snapshot. Minting consumes a
// transaction id, so callers export at most once per cycle and only when
// there is actual work. Not possible in recovery mode.
func (c *Coordinator) ExportSnapshot(ctx context.Context) (string, error) {
	if c.recovery {
		return "", fmt.Errorf("snapshot export is not available in recovery mode")
	}
	if c.token != "" {
		return c.token, nil
	}
	var token string
	if err := c.tx.QueryRowContext(ctx, "SELECT pg_export_snapshot()").Scan(&token); err != nil {
		return "", fmt.Errorf("failed to export snapshot: %w", err)
	}
	c.token = token
	return token, nil
}

// Close rolls back the pinned transaction and releases the connection.
func (c *Coordinator) Close() {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Binding is a worker's doomed, never-commit transaction attached to the
// cycle snapshot. Acquired at batch start, released at batch end; a
// watchdog aborts bindings that leak past their batch.
type Binding struct {
	conn     *sql.Conn
	tx       *sql.Tx
	watchdog *time.Timer
	logger   zerolog.Logger

	mu       sync.Mutex
	released bool
}

// Bind opens a worker-side binding: a read-only transaction attached to
// the exported snapshot token, held until Release. The call blocks until
// the connection reports an xmin at least as large as the coordinator's,
// guarding against replicas that lag the primary at cycle start. An empty
// token (recovery mode) skips the snapshot attach and accepts per-worker
// read-committed reads with weaker cross-worker consistency.
func (d *DB) Bind(ctx context.Context, token string, xmin int64, timeout time.Duration) (*Binding, error) {
	timer := metrics.NewTimer()
	deadline := time.Now().Add(timeout)

	for {
		tx, conn, dbXmin, err := d.tryBind(ctx, token)
		if err != nil {
			return nil, err
		}
		if dbXmin >= xmin {
			timer.ObserveDuration(metrics.SnapshotBindDuration)
			b := &Binding{
				conn:   conn,
				tx:     tx,
				logger: d.logger,
			}
			b.watchdog = time.AfterFunc(bindWatchdogTimeout, b.expire)
			return b, nil
		}

		tx.Rollback()
		conn.Close()
		d.logger.Info().Int64("db_xmin", dbXmin).Int64("want_xmin", xmin).Msg("Waiting for xmin to catch up")

		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for xmin %d (connection reports %d)", xmin, dbXmin)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bindPollInterval):
		}
	}
}

// tryBind opens one candidate transaction and reads its xmin.
func (d *DB) tryBind(ctx context.Context, token string) (*sql.Tx, *sql.Conn, int64, error) {
	conn, err := d.sql.Conn(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to acquire worker connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("failed to begin worker transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, nil, 0, fmt.Errorf("failed to set worker isolation: %w", err)
	}

	if token != "" {
		// SET TRANSACTION SNAPSHOT takes a literal, not a bind parameter.
		quoted := strings.ReplaceAll(token, "'", "''")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", quoted)); err != nil {
			tx.Rollback()
			conn.Close()
			return nil, nil, 0, fmt.Errorf("failed to attach snapshot %s: %w", token, err)
		}
	}

	var dbXmin int64
	if err := tx.QueryRowContext(ctx, currentXminQuery).Scan(&dbXmin); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, nil, 0, fmt.Errorf("failed to read worker xmin: %w", err)
	}
	return tx, conn, dbXmin, nil
}

// Release aborts the doomed transaction and returns the connection to the
// pool. Safe to call more than once.
func (b *Binding) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
}

func (b *Binding) release() {
	if b.released {
		return
	}
	b.released = true
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	if b.tx != nil {
		b.tx.Rollback()
		b.tx = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// expire is the watchdog path: a binding held past the batch bound is
// forcibly rolled back.
func (b *Binding) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.logger.Warn().Dur("held", bindWatchdogTimeout).Msg("Snapshot binding watchdog fired, aborting transaction")
	b.release()
}
