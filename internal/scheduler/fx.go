package scheduler

import (
	"context"
	"time"

	"github.com/plurahq/quotient/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(func(cfg config.Config) Config {
		return Config{RunInterval: time.Duration(cfg.SchedulerInterval) * time.Second}
	}),
	fx.Provide(New),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, cfg Config, s *Scheduler) {
	// Interval zero means jobs run only via the HTTP job endpoints.
	if cfg.RunInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
