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
	"github.com/smallbiznis/manuscript/internal/events"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	"github.com/smallbiznis/manuscript/internal/testutil"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	"github.com/smallbiznis/manuscript/internal/wallet/repository"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	genID   *snowflake.Node
	svc     walletdomain.Service
	metrics *sdkmetric.ManualReader
	admin   actor.Actor
	agency  actor.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	genID := testutil.GenID(t)
	clk := clock.NewFakeClock(testutil.Epoch)

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: genID,
		Clock: clk,
		Repo:  auditrepository.Provide(),
	})
	reader := sdkmetric.NewManualReader()
	obs, err := obsmetrics.New(obsmetrics.Config{ServiceName: "wallet-test"}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      genID,
		Clock:      clk,
		Repo:       repository.Provide(),
		AuditSvc:   auditSvc,
		Outbox:     events.NewOutbox(events.OutboxParams{GenID: genID, Clock: clk}),
		ObsMetrics: obs,
	})
	return &fixture{
		db:      db,
		genID:   genID,
		svc:     svc,
		metrics: reader,
		admin:   actor.Actor{Role: actor.RoleAdmin, ID: genID.Generate()},
		agency:  actor.Actor{Role: actor.RoleAgency, ID: genID.Generate()},
	}
}

// ledgerOps reads the ledger counter by transaction type.
func (f *fixture) ledgerOps(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.metrics.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "manuscript_ledger_operations_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				txType, _ := dp.Attributes.Value("transaction_type")
				out[txType.AsString()] += dp.Value
			}
		}
	}
	return out
}

func (f *fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.OpenWallet(ctx, f.admin, f.agency.ID)
	require.NoError(t, err)
	req, err := f.svc.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: amount, Memo: "bank transfer"})
	require.NoError(t, err)
	_, err = f.svc.ApproveTopup(ctx, f.admin, req.ID)
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T) *walletdomain.Snapshot {
	t.Helper()
	w, err := f.svc.GetWallet(context.Background(), f.agency.ID)
	require.NoError(t, err)
	return w
}

func (f *fixture) countRows(t *testing.T, txType walletdomain.TransactionType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM billing_transactions WHERE type = ?`, string(txType)).Scan(&count).Error)
	return count
}

func TestReserveThenRejectUnrelatedTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)

	_, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 5000})
	require.NoError(t, err)

	w := f.wallet(t)
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(5000), w.Reserved)
	assert.Equal(t, int64(5000), w.Available)

	pending, err := f.svc.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: 2000})
	require.NoError(t, err)
	rejected, err := f.svc.RejectTopup(ctx, f.admin, pending.ID, "invalid proof")
	require.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionStatusRejected, rejected.Status)

	stored, err := f.svc.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionStatusRejected, stored.Status)
	assert.Equal(t, "invalid proof", stored.Reason)
	assert.Equal(t, int64(10000), f.wallet(t).Balance)
	assert.Equal(t, int64(1), f.countRows(t, walletdomain.TransactionTypeTopupRejected))
}

func TestReserveInsufficientFundsLeavesWalletUntouched(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 3000)

	_, err := f.svc.Reserve(context.Background(), f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 5000})
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)

	w := f.wallet(t)
	assert.Equal(t, int64(3000), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Equal(t, int64(0), f.countRows(t, walletdomain.TransactionTypeReserve))
}

func TestReserveWithoutWalletIsInsufficient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reserve(context.Background(), f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 1})
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reserve(context.Background(), f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 0})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidAmount)
}

func TestReserveIsAtMostOncePerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)
	orderID := f.genID.Generate()

	first, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: orderID, Amount: 5000})
	require.NoError(t, err)
	second, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: orderID, Amount: 5000})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5000), f.wallet(t).Reserved)
	assert.Equal(t, int64(1), f.countRows(t, walletdomain.TransactionTypeReserve))
}

func TestChargeCapturesReservationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)
	orderID := f.genID.Generate()

	_, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: orderID, Amount: 5000})
	require.NoError(t, err)

	row, err := f.svc.Charge(ctx, f.agency, orderID)
	require.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionStatusCompleted, row.Status)
	assert.Equal(t, int64(5000), row.Amount)

	w := f.wallet(t)
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)

	_, err = f.svc.Charge(ctx, f.agency, orderID)
	assert.ErrorIs(t, err, walletdomain.ErrNoReservationFound)
	assert.Equal(t, int64(5000), f.wallet(t).Balance)

	refunded, err := f.svc.Refund(ctx, f.admin, orderID)
	require.NoError(t, err)
	assert.False(t, refunded)
}

func TestRefundReleasesReservationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)
	orderID := f.genID.Generate()

	_, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: orderID, Amount: 5000})
	require.NoError(t, err)

	refunded, err := f.svc.Refund(ctx, f.admin, orderID)
	require.NoError(t, err)
	assert.True(t, refunded)

	w := f.wallet(t)
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)

	refunded, err = f.svc.Refund(ctx, f.admin, orderID)
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, int64(1), f.countRows(t, walletdomain.TransactionTypeRefund))

	_, err = f.svc.Charge(ctx, f.agency, orderID)
	assert.ErrorIs(t, err, walletdomain.ErrNoReservationFound)
}

func TestTopupDecisionsRequirePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: 7000})
	require.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionStatusPending, req.Status)

	_, err = f.svc.GetWallet(ctx, f.agency.ID)
	assert.ErrorIs(t, err, walletdomain.ErrWalletNotFound)

	_, err = f.svc.RejectTopup(ctx, f.admin, req.ID, "  ")
	assert.ErrorIs(t, err, walletdomain.ErrReasonRequired)

	approved, err := f.svc.ApproveTopup(ctx, f.admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionStatusApproved, approved.Status)
	assert.Equal(t, int64(7000), f.wallet(t).Balance)

	_, err = f.svc.ApproveTopup(ctx, f.admin, req.ID)
	assert.ErrorIs(t, err, walletdomain.ErrInvalidTransactionState)
	_, err = f.svc.RejectTopup(ctx, f.admin, req.ID, "late")
	assert.ErrorIs(t, err, walletdomain.ErrInvalidTransactionState)
	assert.Equal(t, int64(7000), f.wallet(t).Balance)

	_, err = f.svc.ApproveTopup(ctx, f.admin, f.genID.Generate())
	assert.ErrorIs(t, err, walletdomain.ErrTransactionNotFound)
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.RequestTopup(ctx, f.agency, walletdomain.TopupRequest{UserID: f.agency.ID, Amount: int64(1000 * (i + 1))})
		require.NoError(t, err)
	}

	first, err := f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		UserID:     f.agency.ID,
	})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, int64(3000), first.Transactions[0].Amount)

	second, err := f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
		UserID:     f.agency.ID,
	})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 1)
	assert.False(t, second.HasMore)

	topups, err := f.svc.ListTopups(ctx, walletdomain.ListTopupsRequest{Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, topups.Transactions, 3)

	_, err = f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{PageToken: "%%%"},
		UserID:     f.agency.ID,
	})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidPageToken)
}

func TestConcurrentChargeAndRefundSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)
	orderID := f.genID.Generate()

	_, err := f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: orderID, Amount: 5000})
	require.NoError(t, err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(charge bool) {
			defer wg.Done()
			var (
				won bool
				err error
			)
			if charge {
				_, err = f.svc.Charge(ctx, f.agency, orderID)
				won = err == nil
				if errors.Is(err, walletdomain.ErrNoReservationFound) {
					err = nil
				}
			} else {
				won, err = f.svc.Refund(ctx, f.admin, orderID)
			}
			mu.Lock()
			defer mu.Unlock()
			if won {
				settled++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, settled)
	assert.Equal(t, int64(1), f.countRows(t, walletdomain.TransactionTypeCharge)+f.countRows(t, walletdomain.TransactionTypeRefund))
	w := f.wallet(t)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Contains(t, []int64{5000, 10000}, w.Balance)
}

func TestLedgerMetricsCountOnlyCommittedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)

	ops := f.ledgerOps(t)
	assert.Equal(t, int64(1), ops["TOPUP_REQUEST"])
	assert.Equal(t, int64(1), ops["TOPUP_APPROVED"])

	// a caller-owned transaction that rolls back leaves nothing counted
	txCtx, ledger := walletdomain.WithLedgerLog(ctx)
	rollback := errors.New("order update lost")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.ReserveTx(txCtx, tx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 5000})
		require.NoError(t, err)
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	assert.Equal(t, []walletdomain.TransactionType{walletdomain.TransactionTypeReserve}, ledger.Types())
	assert.Zero(t, f.ledgerOps(t)["RESERVE"])
	assert.Zero(t, f.countRows(t, walletdomain.TransactionTypeReserve))

	_, err = f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.ledgerOps(t)["RESERVE"])

	_, err = f.svc.Reserve(ctx, f.agency, walletdomain.ReserveRequest{UserID: f.agency.ID, OrderID: f.genID.Generate(), Amount: 9000})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)
	assert.Equal(t, int64(1), f.ledgerOps(t)["RESERVE"])
}
