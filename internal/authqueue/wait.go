package authqueue

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is carried (as text) in the synthetic failure result
// returned when a wait outlives its deadline. The job itself stays queued;
// its eventual result simply expires uncollected.
var ErrWaitTimeout = errors.New("queue wait timed out - please try again later")

// Wait polls until the enqueued job has a result or maxWait elapses. A
// synchronously resolved Enqueued returns immediately. The deadline is
// checked before every sleep so an expired wait never burns one more poll
// interval.
func (q *Queue) Wait(ctx context.Context, enq Enqueued, pollRate, maxWait time.Duration) Result {
	return q.WaitWithProgress(ctx, enq, pollRate, maxWait, nil)
}

// WaitWithProgress is Wait with a per-poll callback for pending statuses,
// so interactive callers can surface the position and ETA while the user
// waits.
func (q *Queue) WaitWithProgress(ctx context.Context, enq Enqueued, pollRate, maxWait time.Duration, progress func(Status)) Result {
	if !enq.InQueue {
		if enq.Result != nil {
			return *enq.Result
		}
		return failure(errors.New("job was not queued and carries no result"))
	}

	if pollRate <= 0 {
		pollRate = 300 * time.Millisecond
	}
	deadline := time.Now().Add(maxWait)

	for {
		status, err := q.Status(ctx, enq.Counter)
		if err != nil {
			q.log.Warn("status_poll_failed", "counter", enq.Counter, "error", err)
		} else {
			if status.Processed {
				return *status.Result
			}
			if progress != nil {
				progress(status)
			}
		}

		if !time.Now().Before(deadline) {
			q.log.Error("queue_wait_timeout", "counter", enq.Counter, "max_wait", maxWait.String())
			return failure(ErrWaitTimeout)
		}

		select {
		case <-ctx.Done():
			return failure(ctx.Err())
		case <-time.After(pollRate):
		}
	}
}
