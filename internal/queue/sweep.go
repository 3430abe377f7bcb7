package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduleExpirySweep registers ExpireStale on c using a standard five-field
// cron schedule. Each run is bounded by timeout.
func ScheduleExpirySweep(c *cron.Cron, schedule string, engine *Engine, timeout time.Duration, logger zerolog.Logger) (cron.EntryID, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		expired, err := engine.ExpireStale(ctx, engine.now().UTC())
		if err != nil {
			logger.Error().Err(err).Msg("expiry sweep failed")
			return
		}
		logger.Debug().Int("expired", expired).Msg("expiry sweep finished")
	})
}
