package core

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// StartMaintenance schedules the background sweeps: hourly expired-session
// cleanup and a daily pruning run under the configured retention policy.
// The returned stop function halts the scheduler and waits for running
// jobs to finish.
func (c *Core) StartMaintenance() func() {
	sched := cron.New()

	_, err := sched.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		expired, err := c.sessions.CleanupExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("session_cleanup_failed")
			return
		}
		log.Debug().Int("expired", expired).Msg("session_cleanup_completed")
	})
	if err != nil {
		log.Error().Err(err).Msg("session_cleanup_schedule_failed")
	}

	_, err = sched.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		report, err := c.pruner.Prune(ctx, c.cfg.RetentionPolicy, false)
		if err != nil {
			log.Error().Err(err).Msg("scheduled_pruning_failed")
			return
		}
		log.Info().
			Str("operation_id", report.OperationID).
			Int("pruned", report.Pruned).
			Int("archived", report.Archived).
			Msg("scheduled_pruning_completed")
	})
	if err != nil {
		log.Error().Err(err).Msg("pruning_schedule_failed")
	}

	sched.Start()
	return func() {
		ctx := sched.Stop()
		<-ctx.Done()
	}
}
