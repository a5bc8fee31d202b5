package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// HealthChecker is satisfied by the sync client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Prober drives a State from periodic health checks against the server.
type Prober struct {
	State    *State
	Checker  HealthChecker
	Interval time.Duration
	Timeout  time.Duration
}

// Probe runs one health check and updates the state. It returns the
// resulting online value.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := p.Checker.HealthCheck(cctx)
	cancel()
	if ctx.Err() != nil {
		return p.State.IsOnline()
	}
	online := err == nil
	if err != nil {
		slog.Debug("health check failed", "err", err)
	}
	if serr := p.State.SetOnline(ctx, online); serr != nil {
		slog.Debug("probe persist", "err", serr)
	}
	return online
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
