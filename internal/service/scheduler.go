package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/dockhand/dockhand/internal/model"
)

// newScheduler returns a stopped scheduler calling fn on cfg. A cron
// expression wins over a duration.
func newScheduler(ctx context.Context, cfg model.TimerSchedule, fn func()) (gocron.Scheduler, error) {
	interval, err := cfg.Interval()
	if err != nil {
		return nil, fmt.Errorf("parsing cache.schedule: %w", err)
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	} else {
		job = gocron.DurationJob(interval)
		slog.DebugContext(ctx, "successfully parsed", "duration", cfg.Duration, "interval", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(fn),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
