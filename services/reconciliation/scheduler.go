package reconciliation

import (
	"context"

	"dropproof/pkg/config"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepJobName = "payout-reconciliation-sweep"

// NewScheduler runs Sweep every RECONCILIATION.INTERVAL. A sweep still running
// when the next one is due pushes it back instead of overlapping.
func NewScheduler(lc fx.Lifecycle, cfg *config.Config, s *Service) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Reconciliation.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				zap.L().Error("reconciliation sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName(sweepJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			zap.L().Info("starting reconciliation scheduler", zap.Duration("interval", cfg.Reconciliation.Interval))
			sched.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return sched.Shutdown()
		},
	})

	return sched, nil
}
