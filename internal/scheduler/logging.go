package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/manuscript/internal/observability/context"
	obslogger "github.com/smallbiznis/manuscript/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun summarizes one execution of a job. It rides on the context so a
// job invoked from runJob and a job invoked directly both log exactly one
// start and finish pair.
type jobRun struct {
	job       string
	id        string
	batch     int
	startedAt time.Time
	processed int
	failures  int
	log       *zap.Logger
}

type jobRunKey struct{}

// beginRun returns the run already attached to ctx, or starts one. The
// returned finish func is a no-op for nested callers.
func (s *Scheduler) beginRun(ctx context.Context, job string, batch int) (context.Context, *jobRun, func()) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, run, func() {}
	}

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	run := &jobRun{
		job:       job,
		id:        s.genID.Generate().String(),
		batch:     batch,
		startedAt: time.Now(),
	}
	run.log = obslogger.WithContext(ctx, s.log).With(
		zap.String("job", job),
		zap.String("run_id", run.id),
	)
	ctx = context.WithValue(ctx, jobRunKey{}, run)

	run.log.Info("scheduler.job.start", zap.Int("batch_size", batch))
	return ctx, run, run.finish
}

func (r *jobRun) add(n int) {
	if n > 0 {
		r.processed += n
	}
}

// fail counts and logs a job error.
func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.failures++
	fields = append(fields,
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	)
	r.log.Error(msg, fields...)
}

func (r *jobRun) finish() {
	fields := []zap.Field{
		zap.Duration("duration", time.Since(r.startedAt)),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failures),
	}
	if r.failures > 0 {
		r.log.Warn("scheduler.job.finish", fields...)
		return
	}
	r.log.Info("scheduler.job.finish", fields...)
}
