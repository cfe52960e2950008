package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditrepository "github.com/smallbiznis/manuscript/internal/audit/repository"
	auditservice "github.com/smallbiznis/manuscript/internal/audit/service"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/events"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"github.com/smallbiznis/manuscript/internal/order/repository"
	"github.com/smallbiznis/manuscript/internal/testutil"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	walletrepository "github.com/smallbiznis/manuscript/internal/wallet/repository"
	walletservice "github.com/smallbiznis/manuscript/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeQueue struct {
	enqueued  []orderdomain.EnqueueRequest
	cancels   int
	completed []orderdomain.JobLease
	failed    []orderdomain.JobLease
	lost      bool
}

func (q *fakeQueue) CompleteTx(_ context.Context, _ *gorm.DB, lease orderdomain.JobLease) error {
	if q.lost {
		return orderdomain.ErrResultDiscarded
	}
	q.completed = append(q.completed, lease)
	return nil
}

func (q *fakeQueue) FailTx(_ context.Context, _ *gorm.DB, lease orderdomain.JobLease, _ string) error {
	if q.lost {
		return orderdomain.ErrResultDiscarded
	}
	q.failed = append(q.failed, lease)
	return nil
}

func (q *fakeQueue) EnqueueTx(_ context.Context, _ *gorm.DB, req orderdomain.EnqueueRequest) error {
	q.enqueued = append(q.enqueued, req)
	return nil
}

func (q *fakeQueue) CancelActiveTx(_ context.Context, _ *gorm.DB, _ snowflake.ID) (int64, error) {
	q.cancels++
	return 0, nil
}

type fixture struct {
	db     *gorm.DB
	genID  *snowflake.Node
	wallet walletdomain.Service
	svc    orderdomain.Service
	queue  *fakeQueue
	admin  actor.Actor
	agency actor.Actor
}

func newFixture(t *testing.T, funds int64) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	genID := testutil.GenID(t)
	clk := clock.NewFakeClock(testutil.Epoch)
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: genID, Clock: clk, Repo: auditrepository.Provide(),
	})
	outbox := events.NewOutbox(events.OutboxParams{GenID: genID, Clock: clk})
	wallet := walletservice.NewService(walletservice.Params{
		DB: db, Log: zap.NewNop(), GenID: genID, Clock: clk, Repo: walletrepository.Provide(), AuditSvc: auditSvc, Outbox: outbox,
	})
	queue := &fakeQueue{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    genID,
		Clock:    clk,
		Config:   config.Config{Pricing: config.PricingConfig{Manuscript: 5000, ReceiptReview: 3000}},
		Repo:     repository.Provide(),
		Wallet:   wallet,
		Queue:    queue,
		AuditSvc: auditSvc,
		Outbox:   outbox,
	})

	f := &fixture{
		db:     db,
		genID:  genID,
		wallet: wallet,
		svc:    svc,
		queue:  queue,
		admin:  actor.Actor{Role: actor.RoleAdmin, ID: genID.Generate()},
		agency: actor.Actor{Role: actor.RoleAgency, ID: genID.Generate()},
	}
	if funds > 0 {
		ctx := context.Background()
		topup, err := wallet.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: funds})
		require.NoError(t, err)
		_, err = wallet.ApproveTopup(ctx, f.admin, topup.ID)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) lease() orderdomain.JobLease {
	return orderdomain.JobLease{JobID: f.genID.Generate(), Token: "01J0LEASE"}
}

func (f *fixture) create(t *testing.T) *orderdomain.Order {
	t.Helper()
	order, err := f.svc.Create(context.Background(), f.agency, orderdomain.CreateOrderRequest{
		Type:  "manuscript",
		Title: "Seoul Coffee House",
		Guide: orderdomain.Guide{Content: "Cozy cafe near the station", RequiredKeywords: []string{"coffee"}},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) submitted(t *testing.T) *orderdomain.Order {
	t.Helper()
	order, err := f.svc.Submit(context.Background(), f.agency, f.create(t).ID)
	require.NoError(t, err)
	return order
}

func (f *fixture) inAdminReview(t *testing.T) *orderdomain.Order {
	t.Helper()
	ctx := context.Background()
	order := f.submitted(t)
	_, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)
	order, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{
		OrderID:    order.ID,
		Lease:      f.lease(),
		Manuscript: "Fresh coffee every morning.",
		Report:     datatypes.JSON(`{"valid":true}`),
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) walletState(t *testing.T) *walletdomain.Snapshot {
	t.Helper()
	w, err := f.wallet.GetWallet(context.Background(), f.agency.ID)
	require.NoError(t, err)
	return w
}

func (f *fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestCreateBuildsDraft(t *testing.T) {
	f := newFixture(t, 0)
	order := f.create(t)

	assert.Equal(t, orderdomain.StatusDraft, order.Status)
	assert.Equal(t, int64(5000), order.UnitPrice)
	assert.Equal(t, f.agency.ID, order.AgencyID)
	assert.Contains(t, order.Reference, "seoul-coffee-house-")

	stored, err := f.svc.Get(context.Background(), f.agency, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cozy cafe near the station", stored.Guide.Content)
	assert.Equal(t, []string{"coffee"}, stored.Guide.RequiredKeywords)

	_, err = f.svc.Create(context.Background(), f.agency, orderdomain.CreateOrderRequest{Type: "poster", Guide: orderdomain.Guide{Content: "x"}})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidType)
	_, err = f.svc.Create(context.Background(), f.admin, orderdomain.CreateOrderRequest{Type: "MANUSCRIPT", Guide: orderdomain.Guide{Content: "x"}})
	assert.ErrorIs(t, err, orderdomain.ErrForbidden)
}

func TestSubmitReservesOnce(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.create(t)

	first, err := f.svc.Submit(ctx, f.agency, order.ID)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, f.agency, order.ID)
	require.NoError(t, err)

	assert.Equal(t, orderdomain.StatusSubmitted, first.Status)
	assert.Equal(t, orderdomain.StatusSubmitted, second.Status)
	w := f.walletState(t)
	assert.Equal(t, int64(5000), w.Reserved)
	assert.Equal(t, int64(5000), w.Available)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'RESERVE'`))
}

func TestSubmitInsufficientFundsKeepsDraft(t *testing.T) {
	f := newFixture(t, 3000)
	ctx := context.Background()
	order := f.create(t)

	_, err := f.svc.Submit(ctx, f.agency, order.ID)
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)

	stored, err := f.svc.Get(ctx, f.agency, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusDraft, stored.Status)
	assert.Nil(t, stored.SubmittedAt)
	assert.Equal(t, int64(0), f.walletState(t).Reserved)
}

func TestCreateWithSubmit(t *testing.T) {
	f := newFixture(t, 10000)
	order, err := f.svc.Create(context.Background(), f.agency, orderdomain.CreateOrderRequest{
		Type:   "RECEIPT_REVIEW",
		Guide:  orderdomain.Guide{Content: "Receipt photo review"},
		Submit: true,
	})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusSubmitted, order.Status)
	assert.Equal(t, int64(3000), f.walletState(t).Reserved)
}

func TestFullLifecycleChargesOnAgencyApproval(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)

	order, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, order.Status)
	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, order.ID, f.queue.enqueued[0].OrderID)

	order, err = f.svc.MarkGenerating(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, order.Status)

	lease := f.lease()
	order, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{OrderID: order.ID, Lease: lease, Manuscript: "Great coffee."})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, order.Status)
	assert.Equal(t, []orderdomain.JobLease{lease}, f.queue.completed)

	order, err = f.svc.AdminReview(ctx, f.admin, order.ID, orderdomain.ReviewRequest{Decision: "approve"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAgencyReview, order.Status)

	order, err = f.svc.AgencyReview(ctx, f.agency, order.ID, orderdomain.ReviewRequest{Decision: "APPROVE"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusComplete, order.Status)
	assert.NotNil(t, order.ChargedAt)
	assert.NotNil(t, order.CompletedAt)

	w := f.walletState(t)
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'CHARGE' AND order_id = ?`, order.ID))
	assert.Positive(t, f.count(t, `SELECT COUNT(*) FROM audit_logs WHERE target_id = ?`, order.ID.String()))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM outbox_events WHERE event_type = ?`, events.EventOrderCompleted))

	_, err = f.svc.AgencyReview(ctx, f.agency, order.ID, orderdomain.ReviewRequest{Decision: "APPROVE"})
	assert.ErrorIs(t, err, orderdomain.ErrIllegalTransition)
	assert.Equal(t, int64(5000), f.walletState(t).Balance)
}

func TestGenerationFailureHoldsReservation(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)
	_, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)

	order, err = f.svc.ReportGenerationFailure(ctx, orderdomain.GenerationFailure{OrderID: order.ID, Lease: f.lease(), Reason: "generator rejected the guide"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, order.Status)
	assert.Equal(t, "generator rejected the guide", order.LastFailureReason)
	assert.Equal(t, int64(5000), f.walletState(t).Available)

	order, err = f.svc.Submit(ctx, f.agency, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusSubmitted, order.Status)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'RESERVE'`))
}

func TestGenerateRetriesFailedOrder(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)

	order, err := f.svc.Generate(ctx, f.admin, order.ID, orderdomain.GenerateRequest{ExtraInstruction: "mention parking", QualityMode: "high"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, order.Status)

	_, err = f.svc.ReportGenerationFailure(ctx, orderdomain.GenerationFailure{OrderID: order.ID, Lease: f.lease(), Reason: "timeout"})
	require.NoError(t, err)

	order, err = f.svc.Generate(ctx, f.admin, order.ID, orderdomain.GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, order.Status)
	assert.Empty(t, order.LastFailureReason)
	require.Len(t, f.queue.enqueued, 2)
	assert.Equal(t, "mention parking", f.queue.enqueued[0].ExtraInstruction)
	assert.Equal(t, "high", f.queue.enqueued[0].QualityMode)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)

	_, err = f.svc.Generate(ctx, f.admin, order.ID, orderdomain.GenerateRequest{QualityMode: "ultra"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidQualityMode)
}

func TestAdminRejectRequeuesWithMemo(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.inAdminReview(t)

	_, err := f.svc.AdminReview(ctx, f.admin, order.ID, orderdomain.ReviewRequest{Decision: "REJECT"})
	assert.ErrorIs(t, err, orderdomain.ErrReasonRequired)

	order, err = f.svc.AdminReview(ctx, f.admin, order.ID, orderdomain.ReviewRequest{Decision: "REJECT", Reason: "too formal"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusRegenQueued, order.Status)
	assert.Equal(t, 1, order.RevisionCount)
	assert.Equal(t, "too formal", order.RevisionMemo)
	require.Len(t, f.queue.enqueued, 2)
	assert.Equal(t, "too formal", f.queue.enqueued[1].RevisionMemo)

	order, err = f.svc.MarkGenerating(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, order.Status)
}

func TestAgencyRejectRequestsRevisionWithoutNewReservation(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.inAdminReview(t)
	_, err := f.svc.AdminReview(ctx, f.admin, order.ID, orderdomain.ReviewRequest{Decision: "APPROVE"})
	require.NoError(t, err)

	_, err = f.svc.AgencyReview(ctx, f.agency, order.ID, orderdomain.ReviewRequest{Decision: "REJECT", Reason: " "})
	assert.ErrorIs(t, err, orderdomain.ErrReasonRequired)

	order, err = f.svc.AgencyReview(ctx, f.agency, order.ID, orderdomain.ReviewRequest{Decision: "REJECT", Reason: "add menu prices"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusRevisionRequested, order.Status)
	assert.Equal(t, 1, order.RevisionCount)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'RESERVE'`))
}

func TestCancelApprovedRefundsReservation(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)
	_, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)

	_, err = f.svc.RequestCancel(ctx, f.agency, order.ID, "")
	assert.ErrorIs(t, err, orderdomain.ErrReasonRequired)

	order, err = f.svc.RequestCancel(ctx, f.agency, order.ID, "campaign dropped")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelRequested, order.Status)
	assert.Equal(t, orderdomain.StatusGenerating, order.PreviousStatus)

	_, err = f.svc.ResolveCancel(ctx, f.agency, order.ID, orderdomain.ResolveCancelRequest{Approve: true})
	assert.ErrorIs(t, err, orderdomain.ErrForbidden)

	cancelsBefore := f.queue.cancels
	order, err = f.svc.ResolveCancel(ctx, f.admin, order.ID, orderdomain.ResolveCancelRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCanceled, order.Status)
	assert.NotNil(t, order.CanceledAt)
	assert.Equal(t, cancelsBefore+1, f.queue.cancels)

	w := f.walletState(t)
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)

	_, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{OrderID: order.ID, Lease: f.lease(), Manuscript: "late"})
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)
	_, err = f.svc.MarkGenerating(ctx, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)
}

func TestAgencySelfCancelBeforeIntake(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)

	_, err := f.svc.RequestCancel(ctx, f.agency, order.ID, "ordered by mistake")
	require.NoError(t, err)
	order, err = f.svc.ResolveCancel(ctx, f.agency, order.ID, orderdomain.ResolveCancelRequest{Approve: true})
	require.NoError(t, err)

	assert.Equal(t, orderdomain.StatusCanceledByAgency, order.Status)
	assert.Equal(t, int64(0), f.walletState(t).Reserved)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'REFUND'`))
}

func TestRejectedCancelResumesWhereGenerationLeftOff(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)
	_, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestCancel(ctx, f.admin, order.ID, "client paused")
	require.NoError(t, err)

	_, err = f.svc.MarkGenerating(ctx, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrCancelPending)

	order, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{OrderID: order.ID, Lease: f.lease(), Manuscript: "Text while paused."})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelRequested, order.Status)
	assert.Equal(t, orderdomain.StatusAdminReview, order.PreviousStatus)

	_, err = f.svc.ResolveCancel(ctx, f.admin, order.ID, orderdomain.ResolveCancelRequest{Approve: false})
	assert.ErrorIs(t, err, orderdomain.ErrReasonRequired)

	order, err = f.svc.ResolveCancel(ctx, f.admin, order.ID, orderdomain.ResolveCancelRequest{Approve: false, Reason: "client resumed"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusAdminReview, order.Status)
	assert.Equal(t, "Text while paused.", order.Manuscript)
	assert.Nil(t, order.CancelRequestedAt)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)
}

func TestForceFailKeepsReservationAndDeleteNeedsTerminal(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.inAdminReview(t)

	_, err := f.svc.ForceFail(ctx, f.admin, order.ID, "")
	assert.ErrorIs(t, err, orderdomain.ErrReasonRequired)

	order, err = f.svc.ForceFail(ctx, f.admin, order.ID, "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, order.Status)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)

	_, err = f.svc.Delete(ctx, f.admin, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrNotDeletable)

	_, err = f.svc.RequestCancel(ctx, f.admin, order.ID, "duplicate order")
	require.NoError(t, err)
	_, err = f.svc.ResolveCancel(ctx, f.admin, order.ID, orderdomain.ResolveCancelRequest{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.walletState(t).Reserved)

	order, err = f.svc.Delete(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, order.DeletedAt)

	_, err = f.svc.Get(ctx, f.admin, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrNotFound)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'REFUND' AND order_id = ?`, order.ID))
}

func TestIllegalTransitionLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)

	_, err := f.svc.AgencyReview(ctx, f.agency, order.ID, orderdomain.ReviewRequest{Decision: "APPROVE"})
	var te *orderdomain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, orderdomain.StatusSubmitted, te.From)

	stored, err := f.svc.Get(ctx, f.agency, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusSubmitted, stored.Status)
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'CHARGE'`))
}

func TestAgencyIsolation(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.create(t)
	other := actor.Actor{Role: actor.RoleAgency, ID: f.genID.Generate()}

	_, err := f.svc.Get(ctx, other, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrNotFound)
	_, err = f.svc.Submit(ctx, other, order.ID)
	assert.ErrorIs(t, err, orderdomain.ErrNotFound)

	list, err := f.svc.List(ctx, other, orderdomain.ListOrderRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Orders)

	list, err = f.svc.List(ctx, f.admin, orderdomain.ListOrderRequest{Status: "draft"})
	require.NoError(t, err)
	assert.Len(t, list.Orders, 1)
}

func TestUpdateDraftOnlyWhileEditable(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.create(t)
	title := "Busan Bakery"

	order, err := f.svc.UpdateDraft(ctx, f.agency, order.ID, orderdomain.UpdateDraftRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Busan Bakery", order.Title)

	_, err = f.svc.Submit(ctx, f.agency, order.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateDraft(ctx, f.agency, order.ID, orderdomain.UpdateDraftRequest{Title: &title})
	assert.ErrorIs(t, err, orderdomain.ErrNotEditable)
}

func TestDueForIntake(t *testing.T) {
	f := newFixture(t, 10000)
	order := f.submitted(t)
	f.create(t)

	ids, err := f.svc.DueForIntake(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{order.ID}, ids)
}

func TestLostLeaseDiscardsGenerationResult(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.submitted(t)
	_, err := f.svc.Intake(ctx, f.admin, order.ID)
	require.NoError(t, err)

	_, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{OrderID: order.ID, Manuscript: "no lease"})
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)

	f.queue.lost = true
	_, err = f.svc.ReportGenerationSuccess(ctx, orderdomain.GenerationResult{OrderID: order.ID, Lease: f.lease(), Manuscript: "stale text"})
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)
	_, err = f.svc.ReportGenerationFailure(ctx, orderdomain.GenerationFailure{OrderID: order.ID, Lease: f.lease(), Reason: "stale timeout"})
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)

	stored, err := f.svc.Get(ctx, f.admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusGenerating, stored.Status)
	assert.Empty(t, stored.Manuscript)
	assert.Empty(t, stored.LastFailureReason)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM audit_logs WHERE action IN ('order.generated', 'order.generation_failed')`))
}

func TestConcurrentSubmitReservesOnce(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.create(t)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, f.agency, order.ID)
			if err != nil && !errors.Is(err, orderdomain.ErrConcurrentModification) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	stored, err := f.svc.Get(ctx, f.agency, order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusSubmitted, stored.Status)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM billing_transactions WHERE type = 'RESERVE' AND order_id = ?`, order.ID))
}

func TestForceFailDropsPendingCancelRequest(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	order := f.inAdminReview(t)

	_, err := f.svc.RequestCancel(ctx, f.agency, order.ID, "changed our mind")
	require.NoError(t, err)

	order, err = f.svc.ForceFail(ctx, f.admin, order.ID, "policy violation")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusFailed, order.Status)
	assert.Empty(t, order.PreviousStatus)
	assert.Empty(t, order.CancelReason)
	assert.Nil(t, order.CancelRequestedAt)
	assert.Equal(t, "policy violation", order.LastFailureReason)
	assert.Equal(t, int64(5000), f.walletState(t).Reserved)

	draft := f.create(t)
	_, err = f.svc.RequestCancel(ctx, f.agency, draft.ID, "typo in title")
	require.NoError(t, err)
	_, err = f.svc.ForceFail(ctx, f.admin, draft.ID, "policy violation")
	assert.ErrorIs(t, err, orderdomain.ErrIllegalTransition)
}
