package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
)

// ErrQueueUnavailable signals that the backing store is unreachable.
// Adapters catch it and fall back to a direct store write.
var ErrQueueUnavailable = errors.New("queue unavailable")

// ErrUnknownQueue is returned for queue tags outside the fixed families.
var ErrUnknownQueue = errors.New("unknown queue type")

// scoreBase spreads priorities far enough apart that the enqueue
// timestamp in milliseconds never crosses into the next priority band.
const scoreBase = 1e12

// Queue is a Redis-backed priority queue with a per-family DLQ.
// Members live in sorted sets under queue:{name}; dead letters in
// lists under dlq:{name}.
type Queue struct {
	rdb       *redis.Client
	opTimeout time.Duration
	log       *logging.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.Redis) (*Queue, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.PoolSize = cfg.MaxConns
	opt.ReadTimeout = cfg.OpTimeout
	opt.WriteTimeout = cfg.OpTimeout

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Queue{
		rdb:       rdb,
		opTimeout: cfg.OpTimeout,
		log:       logging.New("livetrack-queue"),
	}, nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Ping reports whether the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

func queueKey(name string) string { return "queue:" + name }
func dlqKey(name string) string   { return "dlq:" + name }

// score orders members by (priority, enqueue time).
func score(priority int, at time.Time) float64 {
	return float64(priority)*scoreBase + float64(at.UnixMilli())
}

// Enqueue appends one item with the queue family's fixed priority.
func (q *Queue) Enqueue(ctx context.Context, queueName string, item Item) error {
	if !Known(queueName) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	err = q.rdb.ZAdd(ctx, queueKey(queueName), redis.Z{
		Score:  score(Priority(queueName), item.Timestamp),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.PointsEnqueuedTotal.WithLabelValues(queueName).Add(float64(item.Count))
	return nil
}

// EnqueueBatch pushes N items in one round trip using pipelining.
// Atomicity is per-item: the returned count is how many made it in.
func (q *Queue) EnqueueBatch(ctx context.Context, queueName string, items []Item) (int, error) {
	if !Known(queueName) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if len(items) == 0 {
		return 0, nil
	}

	members, counts := batchMembers(queueName, items)
	pipe := q.rdb.Pipeline()
	for _, z := range members {
		pipe.ZAdd(ctx, queueKey(queueName), z)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	cmds, err := pipe.Exec(ctx)
	successful := 0
	var points int
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			successful++
			points += counts[i]
		}
	}
	metrics.PointsEnqueuedTotal.WithLabelValues(queueName).Add(float64(points))

	if err != nil && successful == 0 {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if successful < len(items) {
		q.log.Plain().WithQueue(queueName).
			Warnf("queued %d/%d items", successful, len(items))
	}
	return successful, nil
}

// batchMembers marshals items into sorted-set members, skipping any
// that fail to encode. counts[i] is the point count carried by
// members[i], so pipeline results can be matched back after a skip.
func batchMembers(queueName string, items []Item) (members []redis.Z, counts []int) {
	prio := Priority(queueName)
	members = make([]redis.Z, 0, len(items))
	counts = make([]int, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		members = append(members, redis.Z{
			Score:  score(prio, item.Timestamp),
			Member: data,
		})
		counts = append(counts, item.Count)
	}
	return members, counts
}

// DequeueBatch pops up to maxN ready items in (priority, enqueue-time)
// order and returns them with an estimate of how many remain. Items
// requeued with a backoff carry a future-dated score and stay invisible
// until it matures, so the range is capped at the current instant.
func (q *Queue) DequeueBatch(ctx context.Context, queueName string, maxN int) ([]Item, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	raws, err := q.rdb.ZRangeByScore(ctx, queueKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", score(Priority(queueName), time.Now().UTC())),
		Count: int64(maxN),
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(raws) == 0 {
		return nil, 0, nil
	}

	// Claim each member; a ZRem that removes nothing means a concurrent
	// consumer won the race and the item is skipped.
	pipe := q.rdb.Pipeline()
	claims := make([]*redis.IntCmd, len(raws))
	for i, raw := range raws {
		claims[i] = pipe.ZRem(ctx, queueKey(queueName), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	items := make([]Item, 0, len(raws))
	for i, raw := range raws {
		if claims[i].Val() == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			q.log.Plain().WithQueue(queueName).WithError(err).Error("dropping unparseable queue item")
			continue
		}
		items = append(items, item)
	}

	remaining, err := q.rdb.ZCard(ctx, queueKey(queueName)).Result()
	if err != nil {
		remaining = 0
	}
	metrics.QueuePending.WithLabelValues(queueName).Set(float64(remaining))

	return items, remaining, nil
}

// Requeue puts a dequeued item back for a later retry. The original
// priority is preserved; the enqueue timestamp is pushed into the
// future so the item stays behind fresh work until the backoff expires.
func (q *Queue) Requeue(ctx context.Context, queueName string, item Item, delay time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	err = q.rdb.ZAdd(ctx, queueKey(queueName), redis.Z{
		Score:  score(Priority(queueName), time.Now().UTC().Add(delay)),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// ToDLQ moves an item to the family's dead-letter queue. DLQ items are
// never re-enqueued without operator action.
func (q *Queue) ToDLQ(ctx context.Context, queueName string, item Item, reason string) error {
	dl := DeadLetter{
		Item:     item,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
		Retries:  item.RetryCount,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	if err := q.rdb.LPush(ctx, dlqKey(queueName), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.DLQTotal.WithLabelValues(queueName).Inc()
	q.log.Plain().WithQueue(queueName).WithFlight(item.FlightID).
		WithField("reason", reason).
		Warnf("moved %d points to DLQ", item.Count)
	return nil
}

// QueueStats describes one queue family's backlog.
type QueueStats struct {
	Pending int64 `json:"pending"`
	DLQSize int64 `json:"dlq_size"`
}

// Stats returns pending and DLQ sizes for every queue family.
func (q *Queue) Stats(ctx context.Context) (map[string]QueueStats, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	pipe := q.rdb.Pipeline()
	pendings := make(map[string]*redis.IntCmd, len(Names()))
	dlqs := make(map[string]*redis.IntCmd, len(Names()))
	for _, name := range Names() {
		pendings[name] = pipe.ZCard(ctx, queueKey(name))
		dlqs[name] = pipe.LLen(ctx, dlqKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	stats := make(map[string]QueueStats, len(Names()))
	for _, name := range Names() {
		st := QueueStats{
			Pending: pendings[name].Val(),
			DLQSize: dlqs[name].Val(),
		}
		stats[name] = st
		metrics.QueuePending.WithLabelValues(name).Set(float64(st.Pending))
		metrics.DLQSize.WithLabelValues(name).Set(float64(st.DLQSize))
	}
	return stats, nil
}

// Backlog returns pending counts per queue family, for health checks.
func (q *Queue) Backlog(ctx context.Context) (map[string]int64, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	backlog := make(map[string]int64, len(stats))
	for name, st := range stats {
		backlog[name] = st.Pending
	}
	return backlog, nil
}

// DLQList returns up to limit dead letters, newest first, without
// removing them.
func (q *Queue) DLQList(ctx context.Context, queueName string, limit int64) ([]DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	raws, err := q.rdb.LRange(ctx, dlqKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DLQRequeue moves up to maxN dead letters back onto their queue with
// a reset retry count. Operator action only.
func (q *Queue) DLQRequeue(ctx context.Context, queueName string, maxN int) (int, error) {
	moved := 0
	for moved < maxN {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		raw, err := q.rdb.RPop(opCtx, dlqKey(queueName)).Result()
		cancel()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		item := dl.Item
		item.RetryCount = 0
		item.LastError = ""
		item.Timestamp = time.Now().UTC()
		if err := q.Enqueue(ctx, queueName, item); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DLQPurge drops every dead letter for one queue family.
func (q *Queue) DLQPurge(ctx context.Context, queueName string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	n, err := q.rdb.LLen(ctx, dlqKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := q.rdb.Del(ctx, dlqKey(queueName)).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

// ReapOld removes queue members and dead letters older than maxAge.
// Runs from the daily reaper task.
func (q *Queue) ReapOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var removed int64

	for _, name := range Names() {
		prio := Priority(name)
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		n, err := q.rdb.ZRemRangeByScore(opCtx, queueKey(name),
			fmt.Sprintf("%f", float64(prio)*scoreBase),
			fmt.Sprintf("%f", score(prio, cutoff)),
		).Result()
		cancel()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		removed += n

		// Dead letters are a list; filter in memory and rewrite.
		opCtx, cancel = context.WithTimeout(ctx, q.opTimeout)
		raws, err := q.rdb.LRange(opCtx, dlqKey(name), 0, -1).Result()
		cancel()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		keep := make([]any, 0, len(raws))
		for _, raw := range raws {
			var dl DeadLetter
			if err := json.Unmarshal([]byte(raw), &dl); err != nil {
				continue
			}
			if dl.FailedAt.After(cutoff) {
				keep = append(keep, raw)
			} else {
				removed++
			}
		}
		if len(keep) != len(raws) {
			opCtx, cancel = context.WithTimeout(ctx, q.opTimeout)
			pipe := q.rdb.TxPipeline()
			pipe.Del(opCtx, dlqKey(name))
			if len(keep) > 0 {
				pipe.RPush(opCtx, dlqKey(name), keep...)
			}
			_, err = pipe.Exec(opCtx)
			cancel()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
			}
		}
	}
	return removed, nil
}
