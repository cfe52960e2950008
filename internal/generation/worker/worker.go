// Package worker drains the generation queue: it claims jobs, calls the
// generator, post-processes and validates the text and reports the outcome
// to the order state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/generation/domain"
	"github.com/smallbiznis/manuscript/internal/generation/postprocess"
	"github.com/smallbiznis/manuscript/internal/generation/queue"
	"github.com/smallbiznis/manuscript/internal/generation/validation"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	obstracing "github.com/smallbiznis/manuscript/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Queue      *queue.Queue
	Orders     orderdomain.Service
	Generator  domain.Generator
	Rules      *config.GenerationRulesHolder `optional:"true"`
	Metrics    *obsmetrics.WorkerMetrics     `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Worker struct {
	log       *zap.Logger
	cfg       config.WorkerConfig
	genCfg    config.GeneratorConfig
	clock     clock.Clock
	queue     *queue.Queue
	orders    orderdomain.Service
	generator domain.Generator
	rules     *config.GenerationRulesHolder
	metrics   *obsmetrics.WorkerMetrics
	otel      *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	cfg := p.Config.Worker
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	genCfg := p.Config.Generator
	if genCfg.Timeout <= 0 {
		genCfg.Timeout = 60 * time.Second
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Worker()
	}
	return &Worker{
		log:       p.Log.Named("generation.worker"),
		cfg:       cfg,
		genCfg:    genCfg,
		clock:     p.Clock,
		queue:     p.Queue,
		orders:    p.Orders,
		generator: p.Generator,
		rules:     p.Rules,
		metrics:   metrics,
		otel:      p.ObsMetrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("generation run failed", zap.Error(err))
		}
		// a full batch usually means more work is waiting
		if processed >= w.cfg.BatchSize && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it with bounded concurrency.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	jobs, err := w.queue.Claim(ctx, w.cfg.BatchSize, w.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.metrics.AddClaimed(len(jobs))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := w.processJob(ctx, job); err != nil {
				w.log.Warn("generation job failed",
					zap.Error(err),
					zap.String("job_id", job.ID.String()),
					zap.String("order_id", job.OrderID.String()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (w *Worker) processJob(parent context.Context, job domain.Job) (err error) {
	ctx, span := obstracing.StartSpan(parent, "generation.process_job",
		attribute.String("job_id", job.ID.String()),
		attribute.String("order_id", job.OrderID.String()),
		attribute.Int("attempt", job.Attempts),
	)
	defer func() {
		if err != nil {
			span.RecordError(obstracing.SafeError(err))
		}
		span.End()
	}()

	log := w.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("order_id", job.OrderID.String()),
		zap.Int("attempt", job.Attempts),
	)

	// reclaimed after a crash with nothing left to spend
	if job.Attempts > job.MaxAttempts {
		reason := "generation attempts exhausted"
		if job.LastError != "" {
			reason = fmt.Sprintf("%s: %s", reason, job.LastError)
		}
		return w.fail(ctx, log, job, reason)
	}

	order, err := w.orders.MarkGenerating(ctx, job.OrderID)
	switch {
	case errors.Is(err, orderdomain.ErrCancelPending):
		w.outcome(ctx, obsmetrics.WorkerOutcomeDeferred)
		log.Info("order has a pending cancellation, deferring job")
		return w.settle(log, w.queue.Defer(ctx, job, w.cfg.BackoffInitial))
	case errors.Is(err, orderdomain.ErrResultDiscarded):
		return w.discard(ctx, log, job, "order no longer awaits generation")
	case err != nil:
		return err
	}

	rules := w.rules.Get()
	text, genErr := w.generate(ctx, job, order)
	if genErr == nil {
		text = postprocess.Apply(text, rules)
		if strings.TrimSpace(text) == "" {
			genErr = domain.Transient(errors.New("generator output empty after post-processing"))
		}
	}

	if genErr != nil {
		if domain.IsPermanent(genErr) {
			log.Warn("permanent generator failure", zap.Error(genErr))
			return w.fail(ctx, log, job, genErr.Error())
		}
		if job.AttemptsLeft() {
			return w.retry(ctx, log, job, genErr.Error())
		}
		return w.fail(ctx, log, job, fmt.Sprintf("retries exhausted: %s", genErr.Error()))
	}

	report := validation.Validate(text, order.Guide, rules)
	if !report.Valid && rules.RegenerateOnInvalid && job.AttemptsLeft() {
		return w.retry(ctx, log, job, "validation failed: "+strings.Join(report.Issues, ","))
	}

	// the order service settles the job under this lease in the same
	// transaction that stores the manuscript
	_, err = w.orders.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{
		OrderID:    job.OrderID,
		Lease:      leaseOf(job),
		Manuscript: text,
		Report:     report.JSON(),
	})
	if errors.Is(err, orderdomain.ErrResultDiscarded) {
		return w.discard(ctx, log, job, "order moved on during generation")
	}
	if err != nil {
		return err
	}

	w.outcome(ctx, obsmetrics.WorkerOutcomeSucceeded)
	log.Info("manuscript generated", zap.Bool("valid", report.Valid), zap.Int("chars", report.CharCount))
	return nil
}

func (w *Worker) generate(ctx context.Context, job domain.Job, order *orderdomain.Order) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, w.genCfg.Timeout)
	defer cancel()

	memo := job.RevisionMemo
	if memo == "" {
		memo = order.RevisionMemo
	}
	keywords := make([]string, 0, len(order.Guide.RequiredKeywords)+len(order.Guide.EmphasisKeywords))
	keywords = append(keywords, order.Guide.RequiredKeywords...)
	keywords = append(keywords, order.Guide.EmphasisKeywords...)

	start := w.clock.Now()
	text, err := w.generator.Generate(genCtx, domain.Input{
		OrderID:          order.ID,
		OrderType:        string(order.Type),
		Guide:            order.Guide.Content,
		PlaceName:        order.Guide.PlaceName,
		Keywords:         keywords,
		RevisionMemo:     memo,
		ExtraInstruction: job.ExtraInstruction,
		QualityMode:      job.QualityMode,
	})
	w.metrics.ObserveGenerator(w.clock.Now().Sub(start))

	if err != nil && !domain.IsPermanent(err) && !errors.Is(err, domain.ErrTransient) {
		// unclassified errors and deadline expiry are retried
		err = domain.Transient(err)
	}
	return text, err
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, job domain.Job, reason string) error {
	delay := w.retryDelay(job.Attempts)
	w.outcome(ctx, obsmetrics.WorkerOutcomeRetried)
	log.Info("generation will be retried", zap.Duration("delay", delay), zap.String("reason", reason))
	return w.settle(log, w.queue.RetryLater(ctx, job, delay, reason))
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, job domain.Job, reason string) error {
	_, err := w.orders.ReportGenerationFailure(ctx, orderdomain.GenerationFailure{
		OrderID: job.OrderID,
		Lease:   leaseOf(job),
		Reason:  reason,
	})
	if errors.Is(err, orderdomain.ErrResultDiscarded) {
		return w.discard(ctx, log, job, reason)
	}
	if err != nil {
		return err
	}
	w.outcome(ctx, obsmetrics.WorkerOutcomeFailed)
	log.Warn("generation failed", zap.String("reason", reason))
	return nil
}

func (w *Worker) discard(ctx context.Context, log *zap.Logger, job domain.Job, reason string) error {
	w.outcome(ctx, obsmetrics.WorkerOutcomeDiscarded)
	log.Info("generation result discarded", zap.String("reason", reason))
	return w.settle(log, w.queue.Discard(ctx, job, reason))
}

func leaseOf(job domain.Job) orderdomain.JobLease {
	return orderdomain.JobLease{JobID: job.ID, Token: job.LeaseToken}
}

func (w *Worker) outcome(ctx context.Context, outcome string) {
	w.metrics.IncOutcome(outcome)
	w.otel.RecordGenerationOutcome(ctx, outcome)
}

// settle tolerates a lost lease: the job was canceled or reclaimed and its
// new owner decides what happens next.
func (w *Worker) settle(log *zap.Logger, err error) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Debug("job lease lost before settling")
		return nil
	}
	return err
}

// retryDelay grows exponentially with the attempt number, capped at
// BackoffMax.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
