package syncer

import (
	"context"
	"time"
)

// Runner drives periodic and on-demand cycles of a Reconciler.
type Runner struct {
	rec      *Reconciler
	interval time.Duration
	kick     chan struct{}
}

// NewRunner returns a runner that syncs every interval and whenever
// Trigger is called. interval <= 0 disables the timer.
func NewRunner(rec *Reconciler, interval time.Duration) *Runner {
	return &Runner{rec: rec, interval: interval, kick: make(chan struct{}, 1)}
}

// Trigger requests a cycle without waiting for it. Requests made while one
// is already queued are merged.
func (r *Runner) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}
	r.rec.logger.Info("sync runner started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.rec.logger.Info("sync runner stopped")
			return
		case <-tick:
		case <-r.kick:
		}
		if _, err := r.rec.SyncNow(ctx); err != nil && ctx.Err() == nil {
			r.rec.logger.Error("sync cycle failed", "error", err)
		}
	}
}
