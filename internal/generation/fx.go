package generation

import (
	"context"

	"github.com/smallbiznis/manuscript/internal/generation/generator"
	"github.com/smallbiznis/manuscript/internal/generation/queue"
	"github.com/smallbiznis/manuscript/internal/generation/worker"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"go.uber.org/fx"
)

// Module provides the durable job queue. Every process that transitions
// orders needs it.
var Module = fx.Module("generation.queue",
	fx.Provide(queue.New),
	fx.Provide(func(q *queue.Queue) orderdomain.JobQueue { return q }),
)

// WorkerModule runs the generation worker for the lifetime of the app.
var WorkerModule = fx.Module("generation.worker",
	fx.Provide(generator.New),
	fx.Provide(obsmetrics.WorkerWithConfig),
	fx.Provide(worker.NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, w *worker.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
