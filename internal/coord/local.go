package coord

import (
	"context"
	"sync"
	"time"
)

// LocalBackend keeps coordination state in process memory. It honors the
// same contracts as RedisBackend except that counters are unique only
// within the process, which is fine because fallback mode has no other
// writers. Expiry is lazy: entries are dropped when read past their
// deadline instead of by a TTL mechanism.
type LocalBackend struct {
	mu sync.Mutex

	counter uint64
	queue   []QueuedJob
	results map[uint64]localResult
	marks   map[uint64]ProcessingMark
	limits  map[string]time.Time

	lockHolder  string
	lockExpires time.Time
	lockTTL     time.Duration
	resultTTL   time.Duration
}

type localResult struct {
	payload  []byte
	storedAt time.Time
}

type LocalOptions struct {
	LockTTL   time.Duration
	ResultTTL time.Duration
}

func NewLocalBackend(opts LocalOptions) *LocalBackend {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Minute
	}
	return &LocalBackend{
		results:   make(map[uint64]localResult),
		marks:     make(map[uint64]ProcessingMark),
		limits:    make(map[string]time.Time),
		lockTTL:   opts.LockTTL,
		resultTTL: opts.ResultTTL,
	}
}

func (b *LocalBackend) Distributed() bool { return false }

func (b *LocalBackend) NextCounter(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return b.counter, nil
}

func (b *LocalBackend) Push(ctx context.Context, job QueuedJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, job)
	return nil
}

func (b *LocalBackend) Pop(ctx context.Context) (*QueuedJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, nil
	}
	job := b.queue[0]
	b.queue = b.queue[1:]
	return &job, nil
}

func (b *LocalBackend) Len(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queue)), nil
}

// Remaining is the job's distance from the queue head. Counters are dense
// in local mode, so the distance is plain counter arithmetic.
func (b *LocalBackend) Remaining(ctx context.Context, counter uint64) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, job := range b.queue {
		if job.Counter == counter {
			return int64(counter - b.queue[0].Counter), true, nil
		}
	}
	return 0, false, nil
}

func (b *LocalBackend) StoreResult(ctx context.Context, counter uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[counter] = localResult{payload: payload, storedAt: time.Now()}
	return nil
}

// TakeResult removes the slot on first read: in local mode exactly one
// poller exists per counter, so nothing else will come looking for it.
func (b *LocalBackend) TakeResult(ctx context.Context, counter uint64) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.results[counter]
	if !ok {
		return nil, false, nil
	}
	delete(b.results, counter)
	if time.Since(res.storedAt) > b.resultTTL {
		return nil, false, nil
	}
	return res.payload, true, nil
}

func (b *LocalBackend) AcquireLock(ctx context.Context, holder string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if b.lockHolder != "" && b.lockExpires.After(now) {
		return false, nil
	}
	b.lockHolder = holder
	b.lockExpires = now.Add(b.lockTTL)
	return true, nil
}

func (b *LocalBackend) ReleaseLock(ctx context.Context, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockHolder != holder {
		return nil
	}
	b.lockHolder = ""
	b.lockExpires = time.Time{}
	return nil
}

func (b *LocalBackend) MarkProcessing(ctx context.Context, counter uint64, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[counter] = ProcessingMark{Counter: counter, Holder: holder, MarkedAt: time.Now()}
	return nil
}

func (b *LocalBackend) UnmarkProcessing(ctx context.Context, counter uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.marks, counter)
	return nil
}

func (b *LocalBackend) SweepStaleMarks(ctx context.Context, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	reclaimed := 0
	for counter, mark := range b.marks {
		if mark.MarkedAt.Before(cutoff) {
			delete(b.marks, counter)
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (b *LocalBackend) SetRetryAt(ctx context.Context, key string, retryAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits[key] = retryAt
	return nil
}

func (b *LocalBackend) RetryAt(ctx context.Context, key string) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	retryAt, ok := b.limits[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if retryAt.Before(time.Now()) {
		delete(b.limits, key)
		return time.Time{}, false, nil
	}
	return retryAt, true, nil
}

func (b *LocalBackend) Close() error { return nil }
