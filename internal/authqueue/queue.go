// Package authqueue serializes credential redemption across any number of
// bot shards. Jobs enter a shared FIFO queue; one shard at a time (elected
// per tick by a lease-based lock) pops the head, performs the exchange and
// stores the result for the enqueuer to poll. Without a distributed
// backend the queue degrades to an in-process pipeline with the same
// observable behavior.
package authqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"valoqueue/internal/coord"
)

// etaBias pads every user-facing estimate: a late ETA reads as a pleasant
// surprise, an early one as a broken promise.
const etaBias = 2 * time.Second

type Options struct {
	// Enabled gates the whole queue. When false every enqueue executes
	// the operation inline and returns its result.
	Enabled      bool
	TickInterval time.Duration
	ShardID      int

	SweepInterval  time.Duration
	SweepThreshold time.Duration
}

type Queue struct {
	log     *slog.Logger
	backend coord.Backend
	redeem  Redeemer
	opts    Options

	holder string

	// lastTick anchors local-mode ETA estimates (unix milliseconds).
	lastTick atomic.Int64
	// processing serializes local-mode execution: the tick that holds it
	// is the only one popping and running a job, and enqueue skips its
	// inline kick while it is held.
	processing atomic.Int32
}

func New(log *slog.Logger, backend coord.Backend, redeem Redeemer, opts Options) *Queue {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 3 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.SweepThreshold <= 0 {
		opts.SweepThreshold = 10 * time.Minute
	}
	return &Queue{
		log:     log,
		backend: backend,
		redeem:  redeem,
		opts:    opts,
		holder:  "shard-" + strconv.Itoa(opts.ShardID),
	}
}

// EnqueueCookiesRedeem queues a cookie redemption for a user. With the
// queue disabled the exchange runs inline.
func (q *Queue) EnqueueCookiesRedeem(ctx context.Context, userID, cookies string) (Enqueued, error) {
	return q.enqueue(ctx, Job{Kind: KindRedeemCookies, UserID: userID, Cookies: cookies})
}

// EnqueueNoop queues a no-op job that waits for d before succeeding.
func (q *Queue) EnqueueNoop(ctx context.Context, d time.Duration) (Enqueued, error) {
	return q.enqueue(ctx, Job{Kind: KindNoop, Wait: d})
}

func (q *Queue) enqueue(ctx context.Context, job Job) (Enqueued, error) {
	if !q.opts.Enabled {
		res := q.execute(ctx, job)
		return Enqueued{InQueue: false, Result: &res}, nil
	}

	counter, err := q.backend.NextCounter(ctx)
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueue: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueue: %w", err)
	}
	if err := q.backend.Push(ctx, coord.QueuedJob{Counter: counter, Payload: payload}); err != nil {
		return Enqueued{}, fmt.Errorf("enqueue: %w", err)
	}
	q.log.Info("job_enqueued", "kind", string(job.Kind), "user_id", job.UserID, "counter", counter)

	// Single-process mode has no contending shards, so a fresh job can be
	// processed right away instead of waiting for the next tick.
	if !q.backend.Distributed() && q.processing.Load() == 0 {
		q.ProcessTick(ctx)
	}

	return Enqueued{InQueue: true, Counter: counter}, nil
}

// ProcessTick runs one pass of the processing state machine. It is invoked
// by the interval timer and, in local mode, directly after an enqueue.
func (q *Queue) ProcessTick(ctx context.Context) {
	q.lastTick.Store(time.Now().UnixMilli())
	if !q.opts.Enabled {
		return
	}
	if q.backend.Distributed() {
		q.tickDistributed(ctx)
	} else {
		q.tickLocal(ctx)
	}
}

func (q *Queue) tickDistributed(ctx context.Context) {
	ok, err := q.backend.AcquireLock(ctx, q.holder)
	if err != nil {
		q.log.Warn("lock_attempt_failed", "error", err)
		return
	}
	if !ok {
		// Another shard holds the lease. The expected common case in a
		// multi-shard deployment; not worth a log line.
		return
	}
	// The lease is released on every path out of this tick, including a
	// panic inside the operation.
	defer func() {
		if err := q.backend.ReleaseLock(ctx, q.holder); err != nil {
			q.log.Warn("lock_release_failed", "error", err)
		}
	}()

	item, err := q.backend.Pop(ctx)
	if err != nil {
		q.log.Warn("queue_pop_failed", "error", err)
		return
	}
	if item == nil {
		return
	}

	var job Job
	if err := json.Unmarshal(item.Payload, &job); err != nil {
		q.log.Error("job_payload_unreadable", "counter", item.Counter, "error", err)
		res := failure(fmt.Errorf("unreadable job payload"))
		q.storeResult(ctx, item.Counter, res)
		return
	}

	q.log.Info("job_processing",
		"shard", q.holder,
		"kind", string(job.Kind),
		"user_id", job.UserID,
		"counter", item.Counter,
	)

	if err := q.backend.MarkProcessing(ctx, item.Counter, q.holder); err != nil {
		q.log.Warn("mark_processing_failed", "counter", item.Counter, "error", err)
	}

	result := q.execute(ctx, job)

	q.storeResult(ctx, item.Counter, result)
	if err := q.backend.UnmarkProcessing(ctx, item.Counter); err != nil {
		q.log.Warn("unmark_processing_failed", "counter", item.Counter, "error", err)
	}

	q.log.Info("job_processed",
		"shard", q.holder,
		"kind", string(job.Kind),
		"counter", item.Counter,
		"success", result.Success,
	)
}

func (q *Queue) tickLocal(ctx context.Context) {
	// One job at a time, like the distributed lease gives us. A tick
	// landing while another job is in flight skips; the job it would have
	// popped stays queued for the next tick.
	if !q.processing.CompareAndSwap(0, 1) {
		return
	}
	defer q.processing.Add(-1)

	item, err := q.backend.Pop(ctx)
	if err != nil || item == nil {
		return
	}

	var job Job
	if err := json.Unmarshal(item.Payload, &job); err != nil {
		q.storeResult(ctx, item.Counter, failure(fmt.Errorf("unreadable job payload")))
		return
	}

	q.log.Info("job_processing_local", "kind", string(job.Kind), "user_id", job.UserID, "counter", item.Counter)
	result := q.execute(ctx, job)
	q.storeResult(ctx, item.Counter, result)
	q.log.Info("job_processed_local", "kind", string(job.Kind), "counter", item.Counter, "success", result.Success)
}

// execute dispatches on the job kind. Operation errors become failed
// results; they never escape and abort the tick.
func (q *Queue) execute(ctx context.Context, job Job) Result {
	switch job.Kind {
	case KindRedeemCookies:
		res, err := q.redeem.RedeemCookies(ctx, job.UserID, job.Cookies)
		if err != nil {
			return failure(err)
		}
		return res
	case KindNoop:
		select {
		case <-time.After(job.Wait):
			return Result{Success: true}
		case <-ctx.Done():
			return failure(ctx.Err())
		}
	default:
		return failure(fmt.Errorf("unknown operation kind %q", job.Kind))
	}
}

func (q *Queue) storeResult(ctx context.Context, counter uint64, result Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		q.log.Error("result_marshal_failed", "counter", counter, "error", err)
		return
	}
	if err := q.backend.StoreResult(ctx, counter, payload); err != nil {
		q.log.Error("result_store_failed", "counter", counter, "error", err)
	}
}

// Status reports whether a queued job has finished and, if not, how far
// away it is. A counter with no result and no queue entry reads as
// remaining zero; the caller decides whether that means "expired" or
// "about to run".
func (q *Queue) Status(ctx context.Context, counter uint64) (Status, error) {
	payload, ok, err := q.backend.TakeResult(ctx, counter)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	if ok {
		var res Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return Status{}, fmt.Errorf("status: unmarshal result: %w", err)
		}
		return Status{Processed: true, Result: &res}, nil
	}

	remaining, found, err := q.backend.Remaining(ctx, counter)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	if !found {
		return Status{Processed: false, Remaining: 0}, nil
	}

	base := time.Now()
	if !q.backend.Distributed() {
		if ms := q.lastTick.Load(); ms > 0 {
			base = time.UnixMilli(ms)
		}
	}
	eta := base.Add(time.Duration(remaining+1)*q.opts.TickInterval + etaBias)
	return Status{Processed: false, Remaining: remaining, ETAUnix: eta.Round(time.Second).Unix()}, nil
}

// Len reports how many jobs are currently waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.backend.Len(ctx)
}

// Distributed reports whether a shared backend coordinates the shards.
func (q *Queue) Distributed() bool {
	return q.backend.Distributed()
}

// Run drives ProcessTick on the configured interval until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue_processor_stopped")
			return
		case <-ticker.C:
			q.ProcessTick(ctx)
		}
	}
}
