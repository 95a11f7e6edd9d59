// Package maintenance schedules background upkeep of the completion cache.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"go.uber.org/zap"
)

// DefaultPurgeSchedule runs at the top of every hour.
const DefaultPurgeSchedule = "0 * * * *"

// Purger deletes expired cache entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SchedulePurge registers a crontab job that purges expired entries on
// schedule. Jobs run until ctab is shut down or ctx is done.
func SchedulePurge(ctx context.Context, ctab *crontab.Crontab, schedule string, purger Purger, logger *zap.Logger) error {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("job", "cache-purge"))

	err := ctab.AddJob(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = RunPurge(ctx, purger, logger)
	})
	if err != nil {
		return fmt.Errorf("scheduling cache purge %q: %w", schedule, err)
	}
	logger.Info("cache purge scheduled", zap.String("schedule", schedule))
	return nil
}

// RunPurge runs one purge and logs the outcome.
func RunPurge(ctx context.Context, purger Purger, logger *zap.Logger) (int64, error) {
	start := time.Now()
	n, err := purger.PurgeExpired(ctx)
	if err != nil {
		logger.Warn("cache purge failed", zap.Error(err))
		return 0, err
	}
	logger.Info("cache purge finished",
		zap.Int64("deleted", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}
