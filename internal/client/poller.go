package client

import (
	"context"
	"log/slog"
	"time"
)

// Poller runs one reconciliation function on a fixed interval and whenever
// Wake fires. Both paths call the same Sync, so a push channel only changes
// how soon a change is seen.
type Poller struct {
	Name     string
	Interval time.Duration
	Wake     <-chan struct{}
	Sync     func(ctx context.Context) error
}

// Run syncs once immediately, then blocks until ctx is done. Sync errors are
// logged and the next tick retries.
func (p Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.Wake:
		}
		if ctx.Err() != nil {
			return
		}
		p.syncOnce(ctx)
	}
}

func (p Poller) syncOnce(ctx context.Context) {
	if err := p.Sync(ctx); err != nil && ctx.Err() == nil {
		slog.Debug("poll failed", "poller", p.Name, "error", err)
	}
}

// wake signals ch without blocking; a pending signal already covers this one.
func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
