package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"valoqueue/internal/redis"
)

const (
	counterKey    = "authq:counter"
	queueKey      = "authq:queue"
	lockKey       = "authq:lock"
	resultPrefix  = "authq:result:"
	markPrefix    = "authq:processing:"
	ratelimPrefix = "authq:ratelimit:"
)

// RedisBackend coordinates shards through a shared Redis instance.
type RedisBackend struct {
	client    *redis.Client
	log       *slog.Logger
	lockTTL   time.Duration
	resultTTL time.Duration
}

type RedisOptions struct {
	LockTTL   time.Duration
	ResultTTL time.Duration
}

func NewRedisBackend(log *slog.Logger, client *redis.Client, opts RedisOptions) *RedisBackend {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	return &RedisBackend{
		client:    client,
		log:       log,
		lockTTL:   opts.LockTTL,
		resultTTL: opts.ResultTTL,
	}
}

func (b *RedisBackend) Distributed() bool { return true }

func (b *RedisBackend) NextCounter(ctx context.Context) (uint64, error) {
	n, err := b.client.RDB().Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next counter: %w", err)
	}
	return uint64(n), nil
}

func (b *RedisBackend) Push(ctx context.Context, job QueuedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.client.RDB().RPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context) (*QueuedJob, error) {
	data, err := b.client.RDB().LPop(ctx, queueKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	var job QueuedJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (b *RedisBackend) Len(ctx context.Context) (int64, error) {
	n, err := b.client.RDB().LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Remaining in distributed mode is the whole queue length: shards other than
// the lock holder cannot see which item is next, so the estimate assumes the
// caller's job is last. found is always true.
func (b *RedisBackend) Remaining(ctx context.Context, counter uint64) (int64, bool, error) {
	n, err := b.Len(ctx)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (b *RedisBackend) StoreResult(ctx context.Context, counter uint64, payload []byte) error {
	key := resultPrefix + strconv.FormatUint(counter, 10)
	if err := b.client.Set(ctx, key, payload, b.resultTTL); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (b *RedisBackend) TakeResult(ctx context.Context, counter uint64) ([]byte, bool, error) {
	key := resultPrefix + strconv.FormatUint(counter, 10)
	data, err := b.client.RDB().Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	// Left in place until the TTL fires, so a second poller (or a retry
	// after a dropped response) can still read it.
	return data, true, nil
}

func (b *RedisBackend) AcquireLock(ctx context.Context, holder string) (bool, error) {
	ok, err := b.client.RDB().SetNX(ctx, lockKey, holder, b.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lease only while it still belongs to the
// caller. A plain DEL would let a shard whose lease expired mid-job drop
// the lease a sibling has since acquired.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (b *RedisBackend) ReleaseLock(ctx context.Context, holder string) error {
	if err := releaseScript.Run(ctx, b.client.RDB(), []string{lockKey}, holder).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (b *RedisBackend) MarkProcessing(ctx context.Context, counter uint64, holder string) error {
	mark := ProcessingMark{Counter: counter, Holder: holder, MarkedAt: time.Now()}
	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshal mark: %w", err)
	}
	key := markPrefix + strconv.FormatUint(counter, 10)
	if err := b.client.RDB().Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (b *RedisBackend) UnmarkProcessing(ctx context.Context, counter uint64) error {
	key := markPrefix + strconv.FormatUint(counter, 10)
	if err := b.client.RDB().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("unmark processing: %w", err)
	}
	return nil
}

func (b *RedisBackend) SweepStaleMarks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	reclaimed := 0

	var cursor uint64
	for {
		keys, next, err := b.client.RDB().Scan(ctx, cursor, markPrefix+"*", 100).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("scan marks: %w", err)
		}
		for _, key := range keys {
			data, err := b.client.RDB().Get(ctx, key).Bytes()
			if err == goredis.Nil {
				continue
			}
			if err != nil {
				return reclaimed, fmt.Errorf("get mark %s: %w", key, err)
			}
			var mark ProcessingMark
			if err := json.Unmarshal(data, &mark); err != nil {
				// Unreadable mark: reclaim it rather than keep it forever.
				b.log.Warn("stale_mark_unreadable", "key", key, "error", err)
				if err := b.client.Del(ctx, key); err != nil {
					return reclaimed, err
				}
				reclaimed++
				continue
			}
			if mark.MarkedAt.Before(cutoff) {
				b.log.Warn("stale_mark_reclaimed",
					"counter", mark.Counter,
					"holder", mark.Holder,
					"marked_at", mark.MarkedAt,
				)
				if err := b.client.Del(ctx, key); err != nil {
					return reclaimed, err
				}
				reclaimed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return reclaimed, nil
}

func (b *RedisBackend) SetRetryAt(ctx context.Context, key string, retryAt time.Time) error {
	ttl := time.Until(retryAt)
	if ttl <= 0 {
		return nil
	}
	// The key expires on its own once the cooldown passes; no cleanup pass
	// is needed in distributed mode.
	if err := b.client.Set(ctx, ratelimPrefix+key, retryAt.UnixMilli(), ttl); err != nil {
		return fmt.Errorf("set retry-at: %w", err)
	}
	return nil
}

func (b *RedisBackend) RetryAt(ctx context.Context, key string) (time.Time, bool, error) {
	ms, err := b.client.RDB().Get(ctx, ratelimPrefix+key).Int64()
	if err == goredis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get retry-at: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
