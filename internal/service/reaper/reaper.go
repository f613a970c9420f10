package reaper

import (
	"context"
	"time"

	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/metrics"
)

const defaultInterval = time.Hour

type purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Reaper removes expired refresh sessions periodically
type Reaper struct {
	interval time.Duration
	purger   purger
	logger   logger.Logger

	now func() time.Time
}

func New(interval time.Duration, p purger, l logger.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Reaper{
		interval: interval,
		purger:   p,
		logger:   l,
		now:      time.Now,
	}
}

// Run reaper until ctx is done
// Returned channel is closed when reaper stopped
func (r *Reaper) Run(ctx context.Context) <-chan struct{} {
	stopped := make(chan struct{})
	r.logger.Debug("Starting reaper", "interval", r.interval)

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("Reaper stopped by context")
				return

			case <-ticker.C:
				r.purge(ctx)
			}
		}
	}()

	return stopped
}

func (r *Reaper) purge(ctx context.Context) {
	n, err := r.purger.PurgeExpired(ctx, r.now())
	if err != nil {
		r.logger.Error("Failed to purge expired refresh tokens", "error", err)
		return
	}

	metrics.RefreshTokensPurgedTotal.Add(float64(n))
	if n > 0 {
		r.logger.Info("Expired refresh tokens purged", "count", n)
	}
}
