package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"gorm.io/gorm"
)

type ReserveRequest struct {
	UserID  snowflake.ID
	OrderID snowflake.ID
	Amount  int64
}

type TopupRequest struct {
	UserID snowflake.ID `json:"-"`
	Amount int64        `json:"amount"`
	Memo   string       `json:"memo"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	UserID  snowflake.ID
	OrderID snowflake.ID
	Type    string `form:"type"`
	Status  string `form:"status"`
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type ListTopupsRequest struct {
	pagination.Pagination
	UserID snowflake.ID
	Status string `form:"status"`
}

// Service is the wallet ledger. Methods with a Tx suffix run inside the
// caller's transaction; the rest open their own. Tx methods note the rows
// they append in the LedgerLog carried by ctx, if any, so the caller can
// count them once its transaction commits.
type Service interface {
	OpenWallet(ctx context.Context, who actor.Actor, userID snowflake.ID) (*Snapshot, error)
	GetWallet(ctx context.Context, userID snowflake.ID) (*Snapshot, error)

	Reserve(ctx context.Context, who actor.Actor, req ReserveRequest) (*Reservation, error)
	ReserveTx(ctx context.Context, tx *gorm.DB, who actor.Actor, req ReserveRequest) (*Reservation, error)
	HeldReservationTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (*Reservation, error)

	Charge(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*Transaction, error)
	ChargeTx(ctx context.Context, tx *gorm.DB, who actor.Actor, orderID snowflake.ID) (*Transaction, error)

	// Refund releases the order's held reservation. It reports false when
	// nothing was held.
	Refund(ctx context.Context, who actor.Actor, orderID snowflake.ID) (bool, error)
	RefundTx(ctx context.Context, tx *gorm.DB, who actor.Actor, orderID snowflake.ID) (bool, error)

	RequestTopup(ctx context.Context, who actor.Actor, req TopupRequest) (*Transaction, error)
	ApproveTopup(ctx context.Context, who actor.Actor, txID snowflake.ID) (*Transaction, error)
	RejectTopup(ctx context.Context, who actor.Actor, txID snowflake.ID, reason string) (*Transaction, error)

	GetTransaction(ctx context.Context, txID snowflake.ID) (*Transaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	ListTopups(ctx context.Context, req ListTopupsRequest) (ListTransactionsResponse, error)
}

type TransactionFilter struct {
	UserID   snowflake.ID
	OrderID  snowflake.ID
	Type     TransactionType
	Status   TransactionStatus
	BeforeID snowflake.ID
	Limit    int
}

type Repository interface {
	InsertWallet(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (bool, error)
	FindWallet(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Wallet, error)
	AddReserved(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error)
	ReleaseReserved(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error)
	Capture(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error)
	Credit(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error)

	InsertReservation(ctx context.Context, db *gorm.DB, r *Reservation) error
	FindHeldReservation(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Reservation, error)
	SettleReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, status ReservationStatus, now time.Time) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, t *Transaction) error
	FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	DecideTopup(ctx context.Context, db *gorm.DB, id snowflake.ID, status TransactionStatus, reason string, now time.Time) (int64, error)
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]*Transaction, error)
}
