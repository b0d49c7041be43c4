package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Releaser frees claims older than ttl.
type Releaser interface {
	ReleaseExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// Reaper periodically makes abandoned claims claimable again, so a job held
// by a crashed or timed-out worker is eventually retried.
type Reaper struct {
	queues   map[string]Releaser
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper over the named queues.
func NewReaper(queues map[string]Releaser, ttl, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{queues: queues, ttl: ttl, interval: interval, logger: logger}
}

// Sweep releases expired claims on every queue once.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	var total int64
	for name, q := range r.queues {
		n, err := q.ReleaseExpired(ctx, r.ttl)
		if err != nil {
			r.logger.Warn("release expired claims failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		if n > 0 {
			r.logger.Warn("Released expired claims", zap.String("queue", name), zap.Int64("jobs", n), zap.Duration("ttl", r.ttl))
		}
		total += n
	}
	return total
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
