package window

import (
	"context"
	"time"

	"smallbiznis-licensing/pkg/config"

	"github.com/coder/quartz"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs a nightly sweep so inactive rows do not pile up behind
// windows that are never read again.
type Scheduler struct {
	window *SlidingWindow
	clock  quartz.Clock
	hour   int
}

func NewScheduler(w *SlidingWindow, clock quartz.Clock, cfg *config.Config) *Scheduler {
	return &Scheduler{window: w, clock: clock, hour: cfg.Licensing.SweepHour}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started window sweep scheduler", zap.Int("hour_utc", s.hour))

	for {
		now := s.clock.Now().UTC()
		next := nextRunTime(now, s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		timer := s.clock.NewTimer(sleepDuration, "window", "sweep")
		select {
		case <-timer.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// RunOnce sweeps every expired record.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	start := s.clock.Now()
	n, err := s.window.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] window sweep failed", zap.Error(err))
		return 0, err
	}

	zap.L().Info("[Scheduler] window sweep finished",
		zap.Int64("deactivated", n),
		zap.Duration("duration", s.clock.Since(start)),
	)
	return n, nil
}

// nextRunTime returns the next occurrence of hour:minute strictly after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
