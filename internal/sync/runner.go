package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lestrrat-go/backoff/v2"
)

// Runner drives sync passes for long-lived processes. It runs a pass every
// Interval while online. When a pass leaves entries behind it retries on an
// exponential backoff until the queue drains, the state goes offline, or the
// policy gives up.
type Runner struct {
	Engine   *Engine
	Interval time.Duration
	Policy   backoff.Policy
}

// NewRunner returns a runner with a 5s to 5m exponential retry policy.
func NewRunner(e *Engine, interval time.Duration) *Runner {
	return &Runner{
		Engine:   e,
		Interval: interval,
		Policy: backoff.Exponential(
			backoff.WithMinInterval(5*time.Second),
			backoff.WithMaxInterval(5*time.Minute),
			backoff.WithJitterFactor(0.1),
			backoff.WithMaxRetries(10),
		),
	}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if r.Engine.conn.IsOnline() {
			r.drain(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain runs passes until nothing retryable is left.
func (r *Runner) drain(ctx context.Context) {
	b := r.Policy.Start(ctx)
	for backoff.Continue(b) {
		if !r.Engine.conn.IsOnline() {
			return
		}
		res, err := r.Engine.SyncPass(ctx)
		if err != nil {
			if !errors.Is(err, ErrOffline) {
				slog.Warn("sync runner", "err", err)
			}
			return
		}
		if res.Retained() == 0 {
			return
		}
		slog.Debug("sync runner backing off", "retained", res.Retained())
	}
}
