// Package coord is the coordination layer shared by every shard: the job
// counter, the pending-job queue, result slots, the processing lock, the
// stale-processing marks and the upstream rate-limit table.
//
// Two implementations exist. RedisBackend keeps everything in Redis so any
// number of shards can coordinate; LocalBackend keeps the same state in
// process memory for single-shard deployments or when Redis is down.
package coord

import (
	"context"
	"encoding/json"
	"time"
)

// QueuedJob is one pending queue entry. The payload is opaque to the
// coordination layer; the counter doubles as the job's identity and its
// FIFO ordering key.
type QueuedJob struct {
	Counter uint64          `json:"c"`
	Payload json.RawMessage `json:"payload"`
}

// ProcessingMark records that a job is in flight under a given shard. Marks
// left behind by a crashed shard are reclaimed by SweepStaleMarks.
type ProcessingMark struct {
	Counter  uint64    `json:"c"`
	Holder   string    `json:"holder"`
	MarkedAt time.Time `json:"marked_at"`
}

// Backend is the coordination contract. All methods are safe for concurrent
// use; in the Redis implementation they are safe across processes.
type Backend interface {
	// Distributed reports whether state is shared across processes.
	Distributed() bool

	// NextCounter atomically issues the next job counter. Counters are
	// strictly increasing and never reused.
	NextCounter(ctx context.Context) (uint64, error)

	// Push appends a job to the tail of the queue.
	Push(ctx context.Context, job QueuedJob) error
	// Pop removes and returns the head of the queue, or nil when empty.
	Pop(ctx context.Context) (*QueuedJob, error)
	// Len returns the number of pending jobs.
	Len(ctx context.Context) (int64, error)
	// Remaining estimates how many jobs run before counter does. In
	// distributed mode this is the whole queue length; in local mode it
	// is the job's distance from the head. found is false when the
	// counter is neither queued nor resolvable.
	Remaining(ctx context.Context, counter uint64) (remaining int64, found bool, err error)

	// StoreResult records the result for a counter, retained for the
	// backend's result TTL. TakeResult retrieves it; the local backend
	// removes the slot on first read, the Redis backend leaves expiry
	// to the TTL so slow pollers can still observe it.
	StoreResult(ctx context.Context, counter uint64, payload []byte) error
	TakeResult(ctx context.Context, counter uint64) ([]byte, bool, error)

	// AcquireLock takes the processing lease for holder. It never blocks:
	// it reports false immediately when an unexpired lease exists.
	// ReleaseLock drops the lease only while holder still owns it, so a
	// shard whose lease expired mid-job cannot release a sibling's lease.
	AcquireLock(ctx context.Context, holder string) (bool, error)
	ReleaseLock(ctx context.Context, holder string) error

	// MarkProcessing/UnmarkProcessing maintain the in-flight marks.
	// SweepStaleMarks clears marks older than olderThan and returns how
	// many were reclaimed.
	MarkProcessing(ctx context.Context, counter uint64, holder string) error
	UnmarkProcessing(ctx context.Context, counter uint64) error
	SweepStaleMarks(ctx context.Context, olderThan time.Duration) (int, error)

	// SetRetryAt records an upstream cooldown for an endpoint key.
	// RetryAt reports the stored deadline; expired entries read as absent.
	SetRetryAt(ctx context.Context, key string, retryAt time.Time) error
	RetryAt(ctx context.Context, key string) (time.Time, bool, error)

	Close() error
}
