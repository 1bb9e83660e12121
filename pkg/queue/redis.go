package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/hutch/pkg/types"
)

// loadPipelineChunk bounds one RPUSH so a full-reindex load does not ship
// millions of arguments in a single command.
const loadPipelineChunk = 10000

// RedisBackend keeps the cycle's uuids in Redis lists, giving the queue
// cross-process durability. Keys, under the configured queue name:
//
//	<q>:uuids               pending uuids (RPUSH / LPOP count)
//	<q>:processing:<worker> outstanding uuids per worker
//	<q>:errors              per-uuid error records, JSON encoded
//	<q>:indexing            cycle-in-flight marker
type RedisBackend struct {
	rdb     *redis.Client
	name    string
	maxLoad int
}

// RedisConfig holds remote backend settings.
type RedisConfig struct {
	Addr      string
	DB        int
	QueueName string
	GetSize   int
}

// NewRedisBackend connects to the remote queue store. The connection is
// verified here so a dead backend fails construction rather than the
// first cycle.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach queue backend at %s: %w", cfg.Addr, err)
	}
	return &RedisBackend{
		rdb:     rdb,
		name:    cfg.QueueName,
		maxLoad: cfg.GetSize,
	}, nil
}

// Name identifies the backend in logs.
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close releases the client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func (b *RedisBackend) uuidsKey() string    { return b.name + ":uuids" }
func (b *RedisBackend) errorsKey() string   { return b.name + ":errors" }
func (b *RedisBackend) indexingKey() string { return b.name + ":indexing" }

func (b *RedisBackend) processingKey(workerID string) string {
	return b.name + ":processing:" + workerID
}

// IsIndexing reports whether the cycle marker is set and uuids remain.
func (b *RedisBackend) IsIndexing(ctx context.Context) (bool, error) {
	marked, err := b.rdb.Exists(ctx, b.indexingKey()).Result()
	if err != nil {
		return false, fmt.Errorf("queue backend exists check failed: %w", err)
	}
	if marked == 0 {
		return false, nil
	}

	pending, err := b.rdb.LLen(ctx, b.uuidsKey()).Result()
	if err != nil {
		return false, fmt.Errorf("queue backend llen failed: %w", err)
	}
	if pending > 0 {
		return true, nil
	}

	keys, err := b.rdb.Keys(ctx, b.processingKey("*")).Result()
	if err != nil {
		return false, fmt.Errorf("queue backend keys scan failed: %w", err)
	}
	for _, key := range keys {
		n, err := b.rdb.LLen(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("queue backend llen failed: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// LoadUUIDs pushes the invalidation set and sets the cycle marker.
func (b *RedisBackend) LoadUUIDs(ctx context.Context, uids []types.UID) (int, error) {
	accepted := uids
	if b.maxLoad > 0 && len(accepted) > b.maxLoad {
		accepted = accepted[:b.maxLoad]
	}

	for start := 0; start < len(accepted); start += loadPipelineChunk {
		end := start + loadPipelineChunk
		if end > len(accepted) {
			end = len(accepted)
		}
		vals := make([]interface{}, 0, end-start)
		for _, u := range accepted[start:end] {
			vals = append(vals, string(u))
		}
		if err := b.rdb.RPush(ctx, b.uuidsKey(), vals...).Err(); err != nil {
			return 0, fmt.Errorf("failed to push uuids: %w", err)
		}
	}
	if err := b.rdb.Set(ctx, b.indexingKey(), 1, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to mark indexing: %w", err)
	}
	return len(accepted), nil
}

// GetBatch pops at most max uuids and parks them on the worker's
// processing list until reported.
func (b *RedisBackend) GetBatch(ctx context.Context, workerID string, max int) ([]types.UID, error) {
	vals, err := b.rdb.LPopCount(ctx, b.uuidsKey(), max).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop batch: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	parked := make([]interface{}, len(vals))
	batch := make([]types.UID, len(vals))
	for i, v := range vals {
		parked[i] = v
		batch[i] = types.UID(v)
	}
	if err := b.rdb.RPush(ctx, b.processingKey(workerID), parked...).Err(); err != nil {
		return nil, fmt.Errorf("failed to park batch: %w", err)
	}
	return batch, nil
}

// Report settles the oldest outstanding uuids and records the errors.
func (b *RedisBackend) Report(ctx context.Context, workerID string, successes int, errs []types.IndexError) error {
	settled := successes + len(errs)
	if settled > 0 {
		if err := b.rdb.LPopCount(ctx, b.processingKey(workerID), settled).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to settle batch: %w", err)
		}
	}
	for _, e := range errs {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode error record: %w", err)
		}
		if err := b.rdb.RPush(ctx, b.errorsKey(), data).Err(); err != nil {
			return fmt.Errorf("failed to push error record: %w", err)
		}
	}
	return nil
}

// PopErrors drains the error list.
func (b *RedisBackend) PopErrors(ctx context.Context) ([]types.IndexError, error) {
	var out []types.IndexError
	for {
		vals, err := b.rdb.LPopCount(ctx, b.errorsKey(), loadPipelineChunk).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return out, nil
			}
			return out, fmt.Errorf("failed to pop errors: %w", err)
		}
		if len(vals) == 0 {
			return out, nil
		}
		for _, v := range vals {
			var rec types.IndexError
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				return out, fmt.Errorf("failed to decode error record: %w", err)
			}
			out = append(out, rec)
		}
		if len(vals) < loadPipelineChunk {
			return out, nil
		}
	}
}

// CloseIndexing collects unconfirmed uuids and clears the key family.
func (b *RedisBackend) CloseIndexing(ctx context.Context) ([]types.UID, error) {
	var undone []types.UID

	pending, err := b.rdb.LRange(ctx, b.uuidsKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to collect pending uuids: %w", err)
	}
	for _, v := range pending {
		undone = append(undone, types.UID(v))
	}

	keys, err := b.rdb.Keys(ctx, b.processingKey("*")).Result()
	if err != nil {
		return undone, fmt.Errorf("failed to scan processing lists: %w", err)
	}
	for _, key := range keys {
		parked, err := b.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return undone, fmt.Errorf("failed to collect outstanding uuids: %w", err)
		}
		for _, v := range parked {
			undone = append(undone, types.UID(v))
		}
	}

	del := append([]string{b.uuidsKey(), b.indexingKey(), b.errorsKey()}, keys...)
	if err := b.rdb.Del(ctx, del...).Err(); err != nil {
		return undone, fmt.Errorf("failed to clear queue keys: %w", err)
	}
	return undone, nil
}
