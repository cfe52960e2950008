package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(registerLoop),
)

// registerLoop runs the scheduler for the lifetime of the app and waits for
// the in-flight pass to return on stop.
func registerLoop(lc fx.Lifecycle, sched *Scheduler, log *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			log.Named("scheduler").Info("scheduler started",
				zap.Duration("interval", sched.cfg.RunInterval),
				zap.Strings("enabled_jobs", sched.cfg.EnabledJobs),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
}
