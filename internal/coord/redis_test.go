package coord

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"valoqueue/internal/redis"
)

func newTestRedisBackend(t *testing.T, opts RedisOptions) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.DiscardHandler)
	return NewRedisBackend(log, redis.NewFromRDB(rdb), opts), mr
}

func TestRedisBackend_CounterIsMonotonic(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisOptions{})
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 20; i++ {
		n, err := b.NextCounter(ctx)
		if err != nil {
			t.Fatalf("NextCounter: %v", err)
		}
		if n <= prev {
			t.Fatalf("counter went backwards: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestRedisBackend_QueueIsFIFO(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisOptions{})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		n, _ := b.NextCounter(ctx)
		if err := b.Push(ctx, QueuedJob{Counter: n, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	length, err := b.Len(ctx)
	if err != nil || length != 4 {
		t.Fatalf("expected length 4, got %d (err=%v)", length, err)
	}

	for want := uint64(1); want <= 4; want++ {
		job, err := b.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if job == nil || job.Counter != want {
			t.Fatalf("expected counter %d, got %+v", want, job)
		}
	}

	job, err := b.Pop(ctx)
	if err != nil || job != nil {
		t.Errorf("expected empty queue, got job=%v err=%v", job, err)
	}
}

func TestRedisBackend_RemainingIsWholeQueueLength(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisOptions{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, _ := b.NextCounter(ctx)
		_ = b.Push(ctx, QueuedJob{Counter: n, Payload: []byte(`{}`)})
	}

	// position inside the queue is invisible to non-holders; every counter
	// reads the full length
	remaining, found, err := b.Remaining(ctx, 1)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if !found || remaining != 3 {
		t.Errorf("expected remaining 3, got %d (found=%v)", remaining, found)
	}
}

func TestRedisBackend_ResultLeftForSecondPoller(t *testing.T) {
	b, mr := newTestRedisBackend(t, RedisOptions{ResultTTL: time.Minute})
	ctx := context.Background()

	if err := b.StoreResult(ctx, 9, []byte(`{"success":true}`)); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}

	for i := 0; i < 2; i++ {
		payload, ok, err := b.TakeResult(ctx, 9)
		if err != nil || !ok {
			t.Fatalf("read %d: expected result, got ok=%v err=%v", i, ok, err)
		}
		if string(payload) != `{"success":true}` {
			t.Errorf("unexpected payload %s", payload)
		}
	}

	// the TTL, not the reader, removes the slot
	mr.FastForward(2 * time.Minute)
	_, ok, _ := b.TakeResult(ctx, 9)
	if ok {
		t.Error("expected result to expire with the TTL")
	}
}

func TestRedisBackend_LockIsMutuallyExclusive(t *testing.T) {
	b, mr := newTestRedisBackend(t, RedisOptions{LockTTL: time.Minute})
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.AcquireLock(ctx, "shard")
			if err != nil {
				t.Errorf("AcquireLock: %v", err)
				return
			}
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one acquirer to win, got %d", acquired)
	}

	// a crashed holder never releases; the TTL frees the lease
	mr.FastForward(2 * time.Minute)
	ok, _ := b.AcquireLock(ctx, "shard-2")
	if !ok {
		t.Error("expected lease to expire and be reclaimable")
	}
}

func TestRedisBackend_ReleaseLockFreesLease(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisOptions{LockTTL: time.Minute})
	ctx := context.Background()

	if ok, _ := b.AcquireLock(ctx, "a"); !ok {
		t.Fatal("first acquire should succeed")
	}
	if err := b.ReleaseLock(ctx, "a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if ok, _ := b.AcquireLock(ctx, "b"); !ok {
		t.Error("expected lock to be available after release")
	}
}

func TestRedisBackend_ReleaseIgnoresLostLease(t *testing.T) {
	b, mr := newTestRedisBackend(t, RedisOptions{LockTTL: 50 * time.Millisecond})
	ctx := context.Background()

	if ok, _ := b.AcquireLock(ctx, "a"); !ok {
		t.Fatal("first acquire should succeed")
	}
	mr.FastForward(100 * time.Millisecond)
	if ok, _ := b.AcquireLock(ctx, "b"); !ok {
		t.Fatal("expired lease should be reclaimable")
	}

	// a's lease expired mid-job; its late release must not touch b's lease
	if err := b.ReleaseLock(ctx, "a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if ok, _ := b.AcquireLock(ctx, "c"); ok {
		t.Error("c acquired while b held the lease: a's release dropped it")
	}
}

func TestRedisBackend_SweepReclaimsOnlyStaleMarks(t *testing.T) {
	b, _ := newTestRedisBackend(t, RedisOptions{})
	ctx := context.Background()

	// a stale mark written directly, as a crashed shard would leave it
	stale := ProcessingMark{Counter: 1, Holder: "shard-9", MarkedAt: time.Now().Add(-time.Hour)}
	if err := b.MarkProcessing(ctx, 2, "shard-0"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	data := `{"counter":1,"holder":"shard-9","marked_at":"` + stale.MarkedAt.Format(time.RFC3339Nano) + `"}`
	if err := b.client.RDB().Set(ctx, markPrefix+"1", data, 0).Err(); err != nil {
		t.Fatalf("seed stale mark: %v", err)
	}

	reclaimed, err := b.SweepStaleMarks(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("SweepStaleMarks: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("expected 1 reclaimed mark, got %d", reclaimed)
	}

	exists, _ := b.client.RDB().Exists(ctx, markPrefix+"2").Result()
	if exists != 1 {
		t.Error("fresh mark should survive the sweep")
	}
}

func TestRedisBackend_RetryAtExpiresWithTTL(t *testing.T) {
	b, mr := newTestRedisBackend(t, RedisOptions{})
	ctx := context.Background()

	retryAt := time.Now().Add(30 * time.Second)
	if err := b.SetRetryAt(ctx, "auth", retryAt); err != nil {
		t.Fatalf("SetRetryAt: %v", err)
	}

	got, ok, err := b.RetryAt(ctx, "auth")
	if err != nil || !ok {
		t.Fatalf("expected active cooldown, got ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != retryAt.UnixMilli() {
		t.Errorf("expected retry-at %v, got %v", retryAt, got)
	}

	mr.FastForward(time.Minute)
	_, ok, _ = b.RetryAt(ctx, "auth")
	if ok {
		t.Error("expected cooldown key to expire")
	}
}
