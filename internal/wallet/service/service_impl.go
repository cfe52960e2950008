package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/events"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	dbpkg "github.com/smallbiznis/manuscript/pkg/db"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       walletdomain.Repository
	AuditSvc   auditdomain.Service `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       walletdomain.Repository
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) OpenWallet(ctx context.Context, who actor.Actor, userID snowflake.ID) (*walletdomain.Snapshot, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}

	var wallet *walletdomain.Wallet
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		created, err := s.repo.InsertWallet(ctx, tx, userID, s.clock.Now())
		if err != nil {
			return err
		}
		if created {
			if err := s.audit(ctx, tx, who, "wallet.opened", userID.String(), nil); err != nil {
				return err
			}
		}
		wallet, err = s.repo.FindWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	snapshot := wallet.Snapshot()
	return &snapshot, nil
}

func (s *Service) GetWallet(ctx context.Context, userID snowflake.ID) (*walletdomain.Snapshot, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	wallet, err := s.repo.FindWallet(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	snapshot := wallet.Snapshot()
	return &snapshot, nil
}

func (s *Service) Reserve(ctx context.Context, who actor.Actor, req walletdomain.ReserveRequest) (*walletdomain.Reservation, error) {
	var reservation *walletdomain.Reservation
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		reservation, err = s.ReserveTx(ctx, tx, who, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// ReserveTx earmarks funds for an order. An order that already holds a
// reservation gets the existing one back.
func (s *Service) ReserveTx(ctx context.Context, tx *gorm.DB, who actor.Actor, req walletdomain.ReserveRequest) (*walletdomain.Reservation, error) {
	if req.UserID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	if req.OrderID == 0 {
		return nil, walletdomain.ErrInvalidOrder
	}
	if req.Amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	held, err := s.repo.FindHeldReservation(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if held != nil {
		return held, nil
	}

	now := s.clock.Now()
	affected, err := s.repo.AddReserved(ctx, tx, req.UserID, req.Amount, now)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, walletdomain.ErrInsufficientFunds
	}

	reservation := &walletdomain.Reservation{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		Status:    walletdomain.ReservationStatusHeld,
		CreatedAt: now,
	}
	if err := s.repo.InsertReservation(ctx, tx, reservation); err != nil {
		if dbpkg.IsDuplicateKeyErr(err) {
			return nil, walletdomain.ErrReservationExists
		}
		return nil, err
	}

	orderID := req.OrderID
	row := &walletdomain.Transaction{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		OrderID:   &orderID,
		Type:      walletdomain.TransactionTypeReserve,
		Amount:    req.Amount,
		Units:     1,
		Status:    walletdomain.TransactionStatusCompleted,
		CreatedBy: who.Subject(),
		CreatedAt: now,
	}
	if err := s.appendRow(ctx, tx, who, row, events.EventWalletReserved); err != nil {
		return nil, err
	}
	if err := s.checkInvariant(ctx, tx, req.UserID); err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Service) HeldReservationTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (*walletdomain.Reservation, error) {
	if orderID == 0 {
		return nil, walletdomain.ErrInvalidOrder
	}
	return s.repo.FindHeldReservation(ctx, tx, orderID)
}

func (s *Service) Charge(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*walletdomain.Transaction, error) {
	var row *walletdomain.Transaction
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		row, err = s.ChargeTx(ctx, tx, who, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ChargeTx captures the order's held reservation.
func (s *Service) ChargeTx(ctx context.Context, tx *gorm.DB, who actor.Actor, orderID snowflake.ID) (*walletdomain.Transaction, error) {
	if orderID == 0 {
		return nil, walletdomain.ErrInvalidOrder
	}
	reservation, err := s.settle(ctx, tx, orderID, walletdomain.ReservationStatusCharged)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, walletdomain.ErrNoReservationFound
	}

	now := s.clock.Now()
	affected, err := s.repo.Capture(ctx, tx, reservation.UserID, reservation.Amount, now)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: capture of %d failed for wallet %s", walletdomain.ErrLedgerInvariant, reservation.Amount, reservation.UserID)
	}

	row := &walletdomain.Transaction{
		ID:        s.genID.Generate(),
		UserID:    reservation.UserID,
		OrderID:   &orderID,
		Type:      walletdomain.TransactionTypeCharge,
		Amount:    reservation.Amount,
		Units:     1,
		Status:    walletdomain.TransactionStatusCompleted,
		CreatedBy: who.Subject(),
		CreatedAt: now,
	}
	if err := s.appendRow(ctx, tx, who, row, events.EventWalletCharged); err != nil {
		return nil, err
	}
	if err := s.checkInvariant(ctx, tx, reservation.UserID); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) Refund(ctx context.Context, who actor.Actor, orderID snowflake.ID) (bool, error) {
	var refunded bool
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		refunded, err = s.RefundTx(ctx, tx, who, orderID)
		return err
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

// RefundTx releases the order's held reservation back to available funds.
// Calling it again after the release is a no-op.
func (s *Service) RefundTx(ctx context.Context, tx *gorm.DB, who actor.Actor, orderID snowflake.ID) (bool, error) {
	if orderID == 0 {
		return false, walletdomain.ErrInvalidOrder
	}
	reservation, err := s.settle(ctx, tx, orderID, walletdomain.ReservationStatusReleased)
	if err != nil {
		return false, err
	}
	if reservation == nil {
		return false, nil
	}

	now := s.clock.Now()
	affected, err := s.repo.ReleaseReserved(ctx, tx, reservation.UserID, reservation.Amount, now)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, fmt.Errorf("%w: release of %d failed for wallet %s", walletdomain.ErrLedgerInvariant, reservation.Amount, reservation.UserID)
	}

	row := &walletdomain.Transaction{
		ID:        s.genID.Generate(),
		UserID:    reservation.UserID,
		OrderID:   &orderID,
		Type:      walletdomain.TransactionTypeRefund,
		Amount:    reservation.Amount,
		Units:     1,
		Status:    walletdomain.TransactionStatusCompleted,
		CreatedBy: who.Subject(),
		CreatedAt: now,
	}
	if err := s.appendRow(ctx, tx, who, row, events.EventWalletRefunded); err != nil {
		return false, err
	}
	if err := s.checkInvariant(ctx, tx, reservation.UserID); err != nil {
		return false, err
	}
	return true, nil
}

// settle moves the held reservation to status. A nil reservation means none
// was held, including when a concurrent caller settled it first.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, status walletdomain.ReservationStatus) (*walletdomain.Reservation, error) {
	reservation, err := s.repo.FindHeldReservation(ctx, tx, orderID)
	if err != nil || reservation == nil {
		return nil, err
	}
	affected, err := s.repo.SettleReservation(ctx, tx, reservation.ID, status, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	return reservation, nil
}

func (s *Service) RequestTopup(ctx context.Context, who actor.Actor, req walletdomain.TopupRequest) (*walletdomain.Transaction, error) {
	if req.UserID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	row := &walletdomain.Transaction{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		Type:      walletdomain.TransactionTypeTopupRequest,
		Amount:    req.Amount,
		Units:     1,
		Status:    walletdomain.TransactionStatusPending,
		Memo:      strings.TrimSpace(req.Memo),
		CreatedBy: who.Subject(),
		CreatedAt: s.clock.Now(),
	}
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return s.appendRow(ctx, tx, who, row, events.EventWalletTopupRequested)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) ApproveTopup(ctx context.Context, who actor.Actor, txID snowflake.ID) (*walletdomain.Transaction, error) {
	var request *walletdomain.Transaction
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		request, err = s.decideTopup(ctx, tx, txID, walletdomain.TransactionStatusApproved, "")
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if _, err := s.repo.InsertWallet(ctx, tx, request.UserID, now); err != nil {
			return err
		}
		wallet, err := s.repo.FindWallet(ctx, tx, request.UserID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return walletdomain.ErrWalletNotFound
		}
		if wallet.Balance > math.MaxInt64-request.Amount {
			return fmt.Errorf("%w: balance overflow for wallet %s", walletdomain.ErrLedgerInvariant, request.UserID)
		}
		if _, err := s.repo.Credit(ctx, tx, request.UserID, request.Amount, now); err != nil {
			return err
		}

		relatedID := request.ID
		row := &walletdomain.Transaction{
			ID:                   s.genID.Generate(),
			UserID:               request.UserID,
			RelatedTransactionID: &relatedID,
			Type:                 walletdomain.TransactionTypeTopupApproved,
			Amount:               request.Amount,
			Units:                request.Units,
			Status:               walletdomain.TransactionStatusApproved,
			CreatedBy:            who.Subject(),
			CreatedAt:            now,
		}
		if err := s.appendRow(ctx, tx, who, row, events.EventWalletTopupApproved); err != nil {
			return err
		}
		return s.checkInvariant(ctx, tx, request.UserID)
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (s *Service) RejectTopup(ctx context.Context, who actor.Actor, txID snowflake.ID, reason string) (*walletdomain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, walletdomain.ErrReasonRequired
	}

	var request *walletdomain.Transaction
	err := s.transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		request, err = s.decideTopup(ctx, tx, txID, walletdomain.TransactionStatusRejected, reason)
		if err != nil {
			return err
		}
		relatedID := request.ID
		row := &walletdomain.Transaction{
			ID:                   s.genID.Generate(),
			UserID:               request.UserID,
			RelatedTransactionID: &relatedID,
			Type:                 walletdomain.TransactionTypeTopupRejected,
			Amount:               request.Amount,
			Units:                request.Units,
			Status:               walletdomain.TransactionStatusRejected,
			Reason:               reason,
			CreatedBy:            who.Subject(),
			CreatedAt:            s.clock.Now(),
		}
		return s.appendRow(ctx, tx, who, row, events.EventWalletTopupRejected)
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (s *Service) decideTopup(ctx context.Context, tx *gorm.DB, txID snowflake.ID, status walletdomain.TransactionStatus, reason string) (*walletdomain.Transaction, error) {
	if txID == 0 {
		return nil, walletdomain.ErrInvalidTransaction
	}
	request, err := s.repo.FindTransaction(ctx, tx, txID)
	if err != nil {
		return nil, err
	}
	if request == nil || request.Type != walletdomain.TransactionTypeTopupRequest {
		return nil, walletdomain.ErrTransactionNotFound
	}
	if request.Status != walletdomain.TransactionStatusPending {
		return nil, walletdomain.ErrInvalidTransactionState
	}
	now := s.clock.Now()
	affected, err := s.repo.DecideTopup(ctx, tx, txID, status, reason, now)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, walletdomain.ErrInvalidTransactionState
	}
	request.Status = status
	request.Reason = reason
	request.DecidedAt = &now
	return request, nil
}

func (s *Service) GetTransaction(ctx context.Context, txID snowflake.ID) (*walletdomain.Transaction, error) {
	if txID == 0 {
		return nil, walletdomain.ErrInvalidTransaction
	}
	row, err := s.repo.FindTransaction(ctx, s.db, txID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, walletdomain.ErrTransactionNotFound
	}
	return row, nil
}

func (s *Service) ListTransactions(ctx context.Context, req walletdomain.ListTransactionsRequest) (walletdomain.ListTransactionsResponse, error) {
	if req.UserID == 0 {
		return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidUser
	}
	return s.list(ctx, req.Pagination, walletdomain.TransactionFilter{
		UserID:  req.UserID,
		OrderID: req.OrderID,
		Type:    walletdomain.TransactionType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Status:  walletdomain.TransactionStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
	})
}

func (s *Service) ListTopups(ctx context.Context, req walletdomain.ListTopupsRequest) (walletdomain.ListTransactionsResponse, error) {
	return s.list(ctx, req.Pagination, walletdomain.TransactionFilter{
		UserID: req.UserID,
		Type:   walletdomain.TransactionTypeTopupRequest,
		Status: walletdomain.TransactionStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
	})
}

func (s *Service) list(ctx context.Context, page pagination.Pagination, filter walletdomain.TransactionFilter) (walletdomain.ListTransactionsResponse, error) {
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidPageToken
		}
		before, err := snowflake.ParseString(cursor.ID)
		if err != nil || before == 0 {
			return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidPageToken
		}
		filter.BeforeID = before
	}
	filter.Limit = page.Limit()

	items, err := s.repo.ListTransactions(ctx, s.db, filter)
	if err != nil {
		return walletdomain.ListTransactionsResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, filter.Limit, func(item *walletdomain.Transaction) string {
		return item.ID.String()
	})

	rows := make([]walletdomain.Transaction, 0, len(items))
	for _, item := range items {
		rows = append(rows, *item)
	}
	return walletdomain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: rows}, nil
}

func (s *Service) appendRow(ctx context.Context, tx *gorm.DB, who actor.Actor, row *walletdomain.Transaction, eventType string) error {
	if row.Amount < 0 {
		return fmt.Errorf("%w: negative amount", walletdomain.ErrLedgerInvariant)
	}
	if err := s.repo.InsertTransaction(ctx, tx, row); err != nil {
		return err
	}

	payload := map[string]any{
		"transaction_id": row.ID.String(),
		"user_id":        row.UserID.String(),
		"type":           string(row.Type),
		"amount":         row.Amount,
		"status":         string(row.Status),
	}
	if row.OrderID != nil {
		payload["order_id"] = row.OrderID.String()
	}
	if row.RelatedTransactionID != nil {
		payload["related_transaction_id"] = row.RelatedTransactionID.String()
	}

	if s.outbox != nil {
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			AggregateType: "wallet",
			AggregateID:   row.UserID,
			Type:          eventType,
			Payload:       payload,
			DedupeKey:     "billing_transaction:" + row.ID.String(),
		}); err != nil {
			return err
		}
	}
	if err := s.audit(ctx, tx, who, "wallet."+strings.ToLower(string(row.Type)), row.UserID.String(), payload); err != nil {
		return err
	}
	walletdomain.LedgerLogFrom(ctx).Add(row.Type)
	return nil
}

// transaction runs fn in a transaction and counts its ledger rows once the
// commit succeeded.
func (s *Service) transaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx, ledger := walletdomain.WithLedgerLog(ctx)
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	}); err != nil {
		return err
	}
	s.recordCommitted(ctx, ledger)
	return nil
}

// recordCommitted counts ledger rows of a committed transaction.
func (s *Service) recordCommitted(ctx context.Context, ledger *walletdomain.LedgerLog) {
	if s.obsMetrics == nil {
		return
	}
	for _, txType := range ledger.Types() {
		s.obsMetrics.RecordLedgerOperation(ctx, string(txType))
	}
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, who actor.Actor, action string, walletID string, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.AuditLog(ctx, tx, who, action, "wallet", walletID, metadata)
}

// checkInvariant re-reads the wallet after a mutation.
func (s *Service) checkInvariant(ctx context.Context, tx *gorm.DB, userID snowflake.ID) error {
	wallet, err := s.repo.FindWallet(ctx, tx, userID)
	if err != nil {
		return err
	}
	if wallet == nil {
		return walletdomain.ErrWalletNotFound
	}
	if wallet.Reserved < 0 || wallet.Balance < wallet.Reserved {
		s.log.Error("wallet invariant violated",
			zap.String("user_id", userID.String()),
			zap.Int64("balance", wallet.Balance),
			zap.Int64("reserved", wallet.Reserved),
		)
		return walletdomain.ErrLedgerInvariant
	}
	return nil
}
