package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/events"
	"github.com/smallbiznis/manuscript/internal/generation/queue"
	idempotencydomain "github.com/smallbiznis/manuscript/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobAutoIntake       = "auto_intake"
	JobLeaseRecovery    = "lease_recovery"
	JobIdempotencyPurge = "idempotency_purge"
	JobOutboxDispatch   = "outbox_dispatch"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
	Orders      orderdomain.Service
	Queue       *queue.Queue
	Idempotency idempotencydomain.Guard `optional:"true"`
	Dispatcher  *events.Dispatcher      `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	orders      orderdomain.Service
	queue       *queue.Queue
	idempotency idempotencydomain.Guard
	dispatcher  *events.Dispatcher
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Orders == nil || p.Queue == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		orders:      p.Orders,
		queue:       p.Queue,
		idempotency: p.Idempotency,
		dispatcher:  p.Dispatcher,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(actor.WithActor(parent, actor.System), timeout)
	defer cancel()

	ctx, run, finish := s.beginRun(ctx, name, batchSize)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.failures == 0 {
		run.failures++
	}
	finish()
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	// A deadline is a soft timeout; the next tick resumes the batch.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		run.log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Batch   int
		Run     func(context.Context) error
	}{
		{JobAutoIntake, s.cfg.AutoIntake, s.cfg.BatchSize, s.AutoIntakeJob},
		{JobLeaseRecovery, true, s.cfg.RecoverBatchSize, s.LeaseRecoveryJob},
		{JobIdempotencyPurge, s.idempotency != nil, 0, s.IdempotencyPurgeJob},
		{JobOutboxDispatch, s.dispatcher != nil, s.cfg.OutboxBatchSize, s.OutboxDispatchJob},
	}

	for _, job := range jobs {
		if !job.Enabled || !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Batch, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// AutoIntakeJob moves orders that have waited in SUBMITTED for the
// configured delay into generation. Orders another actor moved first are
// skipped silently.
func (s *Scheduler) AutoIntakeJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobAutoIntake, s.cfg.BatchSize)
	defer finish()

	ids, err := s.orders.DueForIntake(ctx, s.cfg.AutoIntakeDelay, s.cfg.BatchSize)
	if err != nil {
		run.fail("scheduler.intake.list.failed", err)
		return err
	}
	if len(ids) == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobAutoIntake, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	var jobErr error
	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.orders.Intake(ctx, actor.System, id); err != nil {
			if errors.Is(err, orderdomain.ErrIllegalTransition) || errors.Is(err, orderdomain.ErrConcurrentModification) {
				run.log.Debug("scheduler.intake.skipped",
					zap.String("order_id", id.String()),
					zap.Error(err),
				)
				continue
			}
			jobErr = errors.Join(jobErr, err)
			run.fail("scheduler.intake.failed", err,
				zap.String("order_id", id.String()),
			)
			continue
		}
		processed++
		run.log.Info("order.auto_intake", zap.String("order_id", id.String()))
	}
	run.add(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobAutoIntake, "order", processed)
	return jobErr
}

// LeaseRecoveryJob returns jobs whose worker lease expired to the queue.
func (s *Scheduler) LeaseRecoveryJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobLeaseRecovery, s.cfg.RecoverBatchSize)
	defer finish()

	recovered, err := s.queue.RecoverExpired(ctx, s.cfg.RecoverBatchSize)
	if err != nil {
		run.fail("scheduler.lease.recover.failed", err)
		return err
	}
	run.add(int(recovered))
	obsmetrics.Scheduler().AddBatchProcessed(JobLeaseRecovery, "generation_job", int(recovered))
	if recovered > 0 {
		run.log.Warn("generation.lease.recovered", zap.Int64("count", recovered))
	}
	return nil
}

// IdempotencyPurgeJob removes idempotency records past their retention.
func (s *Scheduler) IdempotencyPurgeJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobIdempotencyPurge, 0)
	defer finish()
	if s.idempotency == nil {
		return nil
	}

	purged, err := s.idempotency.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		run.fail("scheduler.idempotency.purge.failed", err)
		return err
	}
	run.add(int(purged))
	obsmetrics.Scheduler().AddBatchProcessed(JobIdempotencyPurge, "idempotency_key", int(purged))
	return nil
}

// OutboxDispatchJob publishes pending domain events.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobOutboxDispatch, s.cfg.OutboxBatchSize)
	defer finish()
	if s.dispatcher == nil {
		return nil
	}

	sent, err := s.dispatcher.Dispatch(ctx, s.cfg.OutboxBatchSize)
	run.add(sent)
	obsmetrics.Scheduler().AddBatchProcessed(JobOutboxDispatch, "outbox_event", sent)
	if err != nil {
		run.fail("scheduler.outbox.dispatch.failed", err)
		return err
	}
	return nil
}
