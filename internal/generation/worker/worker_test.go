package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/manuscript/internal/actor"
	auditrepository "github.com/smallbiznis/manuscript/internal/audit/repository"
	auditservice "github.com/smallbiznis/manuscript/internal/audit/service"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/events"
	"github.com/smallbiznis/manuscript/internal/generation/domain"
	"github.com/smallbiznis/manuscript/internal/generation/queue"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	orderrepository "github.com/smallbiznis/manuscript/internal/order/repository"
	orderservice "github.com/smallbiznis/manuscript/internal/order/service"
	"github.com/smallbiznis/manuscript/internal/testutil"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	walletrepository "github.com/smallbiznis/manuscript/internal/wallet/repository"
	walletservice "github.com/smallbiznis/manuscript/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type generatorFunc func(ctx context.Context, in domain.Input) (string, error)

func (f generatorFunc) Generate(ctx context.Context, in domain.Input) (string, error) {
	return f(ctx, in)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, in domain.Input) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}

type fixture struct {
	clock  *clock.FakeClock
	queue  *queue.Queue
	orders orderdomain.Service
	wallet walletdomain.Service
	admin  actor.Actor
	agency actor.Actor
	calls  atomic.Int32
	gen    generatorFunc
	rules  config.GenerationRules
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	genID := testutil.GenID(t)
	clk := clock.NewFakeClock(testutil.Epoch)
	cfg := config.Config{
		Pricing: config.PricingConfig{Manuscript: 5000, ReceiptReview: 3000},
		Worker: config.WorkerConfig{
			Concurrency:    1,
			BatchSize:      5,
			LeaseTTL:       time.Minute,
			MaxAttempts:    2,
			BackoffInitial: time.Second,
			BackoffMax:     2 * time.Second,
		},
		Generator: config.GeneratorConfig{Timeout: time.Second},
	}

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: genID, Clock: clk, Repo: auditrepository.Provide(),
	})
	outbox := events.NewOutbox(events.OutboxParams{GenID: genID, Clock: clk})
	wallet := walletservice.NewService(walletservice.Params{
		DB: db, Log: zap.NewNop(), GenID: genID, Clock: clk, Repo: walletrepository.Provide(), AuditSvc: auditSvc, Outbox: outbox,
	})
	q := queue.New(queue.Params{DB: db, GenID: genID, Clock: clk, Config: cfg})
	orders := orderservice.NewService(orderservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    genID,
		Clock:    clk,
		Config:   cfg,
		Repo:     orderrepository.Provide(),
		Wallet:   wallet,
		Queue:    q,
		AuditSvc: auditSvc,
		Outbox:   outbox,
	})

	f := &fixture{
		clock:  clk,
		queue:  q,
		orders: orders,
		wallet: wallet,
		admin:  actor.Actor{Role: actor.RoleAdmin, ID: genID.Generate()},
		agency: actor.Actor{Role: actor.RoleAgency, ID: genID.Generate()},
	}
	f.rules = config.DefaultGenerationRules()
	f.rules.MinChars = 10
	f.gen = func(context.Context, domain.Input) (string, error) {
		return "Fresh coffee and warm pastries near the station.", nil
	}

	ctx := context.Background()
	topup, err := wallet.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: 10000})
	require.NoError(t, err)
	_, err = wallet.ApproveTopup(ctx, f.admin, topup.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) worker() *Worker {
	return NewWorker(Params{
		Log: zap.NewNop(),
		Config: config.Config{
			Worker:    config.WorkerConfig{Concurrency: 1, BatchSize: 5, LeaseTTL: time.Minute, BackoffInitial: time.Second, BackoffMax: 2 * time.Second},
			Generator: config.GeneratorConfig{Timeout: time.Second},
		},
		Clock:  f.clock,
		Queue:  f.queue,
		Orders: f.orders,
		Generator: generatorFunc(func(ctx context.Context, in domain.Input) (string, error) {
			f.calls.Add(1)
			return f.gen(ctx, in)
		}),
		Rules: config.NewStaticRulesHolder(f.rules),
	})
}

// queued returns an order whose first generation job is waiting.
func (f *fixture) queued(t *testing.T) *orderdomain.Order {
	t.Helper()
	ctx := context.Background()
	order, err := f.orders.Create(ctx, f.agency, orderdomain.CreateOrderRequest{
		Type:   "MANUSCRIPT",
		Title:  "Seoul Coffee House",
		Guide:  orderdomain.Guide{Content: "Cozy cafe near the station", RequiredKeywords: []string{"coffee"}},
		Submit: true,
	})
	require.NoError(t, err)
	order, err = f.orders.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)
	require.Equal(t, orderdomain.StatusGenerating, order.Status)
	return order
}

func (f *fixture) reserved(t *testing.T) int64 {
	t.Helper()
	w, err := f.wallet.GetWallet(context.Background(), f.agency.ID)
	require.NoError(t, err)
	return w.Reserved
}

func TestWorkerGeneratesManuscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	var input domain.Input
	f.gen = func(_ context.Context, in domain.Input) (string, error) {
		input = in
		return "Fresh coffee and warm pastries near the station. 🥐", nil
	}

	processed, err := f.worker().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, stored.Status)
	assert.Equal(t, "Fresh coffee and warm pastries near the station. 🥐", stored.Manuscript)
	assert.Equal(t, "Cozy cafe near the station", input.Guide)
	assert.Equal(t, []string{"coffee"}, input.Keywords)

	var report map[string]any
	require.NoError(t, json.Unmarshal(stored.ValidationReport, &report))
	assert.Equal(t, true, report["valid"])

	jobs, err := f.queue.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusSucceeded, jobs[0].Status)
}

func TestWorkerTruncatesLongOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	f.gen = func(context.Context, domain.Input) (string, error) {
		return strings.Repeat("Great coffee here. ", 100), nil
	}

	_, err := f.worker().RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Less(t, len([]rune(stored.Manuscript)), 300)
	assert.True(t, strings.HasSuffix(stored.Manuscript, "."))
}

func TestWorkerRetriesTransientThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	f.gen = func(context.Context, domain.Input) (string, error) {
		return "", domain.Transient(errors.New("upstream 503"))
	}
	w := f.worker()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, stored.Status)

	// nothing is due until the backoff elapses
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	f.clock.Advance(time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	stored, err = f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastFailureReason, "retries exhausted")
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Equal(t, int64(5000), f.reserved(t))

	jobs, err := f.queue.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestWorkerPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	f.gen = func(context.Context, domain.Input) (string, error) {
		return "", domain.Permanent(errors.New("guide rejected"))
	}

	_, err := f.worker().RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastFailureReason, "guide rejected")
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, int64(5000), f.reserved(t))
}

func TestWorkerDefersWhileCancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	_, err := f.orders.RequestCancel(ctx, f.agency, order.ID, "changed our mind")
	require.NoError(t, err)
	w := f.worker()

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.calls.Load())

	jobs, err := f.queue.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusPending, jobs[0].Status)
	assert.Zero(t, jobs[0].Attempts)

	_, err = f.orders.ResolveCancel(ctx, f.admin, order.ID, orderdomain.ResolveCancelRequest{Approve: false, Reason: "already in progress"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, stored.Status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestWorkerDiscardsResultOfForceFailedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	f.gen = func(context.Context, domain.Input) (string, error) {
		_, err := f.orders.ForceFail(ctx, f.admin, order.ID, "customer dispute")
		assert.NoError(t, err)
		return "Fresh coffee every morning.", nil
	}

	_, err := f.worker().RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, stored.Status)
	assert.Empty(t, stored.Manuscript)
	assert.Equal(t, "customer dispute", stored.LastFailureReason)

	jobs, err := f.queue.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusCanceled, jobs[0].Status)
}

func TestWorkerDropsStaleResultAfterRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)
	f.gen = func(_ context.Context, in domain.Input) (string, error) {
		if in.ExtraInstruction != "" {
			return "Formal notes on coffee near the station.", nil
		}
		_, err := f.orders.ForceFail(ctx, f.admin, order.ID, "wrong tone")
		assert.NoError(t, err)
		_, err = f.orders.Generate(ctx, f.admin, order.ID, orderdomain.GenerateRequest{ExtraInstruction: "use formal tone"})
		assert.NoError(t, err)
		return "STALE coffee text from the first run.", nil
	}

	processed, err := f.worker().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, stored.Status)
	assert.NotContains(t, stored.Manuscript, "STALE")

	jobs, err := f.queue.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobStatusCanceled, jobs[0].Status)
	assert.Equal(t, domain.JobStatusPending, jobs[1].Status)
	assert.Equal(t, "use formal tone", jobs[1].ExtraInstruction)

	// the replacement job still runs and wins
	_, err = f.worker().RunOnce(ctx)
	require.NoError(t, err)
	stored, err = f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, stored.Status)
	assert.Equal(t, "Formal notes on coffee near the station.", stored.Manuscript)
}

func TestWorkerRegeneratesInvalidOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rules.MinChars = 100
	f.rules.RegenerateOnInvalid = true
	order := f.queued(t)
	f.gen = func(context.Context, domain.Input) (string, error) {
		return "Short coffee note.", nil
	}
	w := f.worker()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	stored, err := f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, stored.Status)

	// the last attempt is accepted with its report attached
	f.clock.Advance(time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	stored, err = f.orders.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, stored.Status)
	var report map[string]any
	require.NoError(t, json.Unmarshal(stored.ValidationReport, &report))
	assert.Equal(t, false, report["valid"])
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRetryDelayIsBounded(t *testing.T) {
	w := NewWorker(Params{
		Log:    zap.NewNop(),
		Config: config.Config{Worker: config.WorkerConfig{BackoffInitial: time.Second, BackoffMax: 4 * time.Second}},
	})
	for attempt := 1; attempt <= 8; attempt++ {
		delay := w.retryDelay(attempt)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 6*time.Second)
	}
}

func TestWorkerCallsGeneratorOncePerJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.queued(t)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(in domain.Input) bool {
		return in.OrderID == order.ID && in.Guide == "Cozy cafe near the station"
	})).Return("Fresh coffee and warm pastries near the station.", nil).Once()

	w := NewWorker(Params{
		Log: zap.NewNop(),
		Config: config.Config{
			Worker:    config.WorkerConfig{Concurrency: 1, BatchSize: 5, LeaseTTL: time.Minute, BackoffInitial: time.Second, BackoffMax: 2 * time.Second},
			Generator: config.GeneratorConfig{Timeout: time.Second},
		},
		Clock:     f.clock,
		Queue:     f.queue,
		Orders:    f.orders,
		Generator: gen,
		Rules:     config.NewStaticRulesHolder(f.rules),
	})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	gen.AssertExpectations(t)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}
