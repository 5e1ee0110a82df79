package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Runner repeats reconciliation passes on a fixed interval. Passes run
// back-to-back in one goroutine, which keeps the single-writer
// precondition inside a process.
type Runner struct {
	rec      *Reconciler
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a Runner. If interval is <= 0, it defaults to 30
// minutes.
func NewRunner(rec *Reconciler, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Runner{rec: rec, interval: interval, logger: slog.Default()}
}

// Run executes a pass immediately and then on every interval tick
// until ctx is cancelled. Failed passes are logged and retried on the
// next tick.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.rec.Run(ctx); err != nil {
			r.logger.Error("reconciliation run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
