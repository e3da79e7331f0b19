package authqueue

import (
	"context"
	"time"
)

// RunSweeper periodically reclaims processing marks whose holder has been
// silent past the threshold, meaning the shard crashed mid-job. Only the
// mark is cleared: the job is not requeued, so its enqueuer times out
// client-side rather than receiving a silently re-run operation.
// Distributed mode only; local marks die with the process.
func (q *Queue) RunSweeper(ctx context.Context) {
	if !q.backend.Distributed() {
		return
	}
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.log.Info("sweeper_stopped")
			return
		case <-ticker.C:
			q.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single stale-mark pass.
func (q *Queue) SweepOnce(ctx context.Context) {
	reclaimed, err := q.backend.SweepStaleMarks(ctx, q.opts.SweepThreshold)
	if err != nil {
		q.log.Warn("stale_mark_sweep_failed", "error", err)
		return
	}
	if reclaimed > 0 {
		q.log.Info("stale_marks_swept", "reclaimed", reclaimed)
	}
}
