package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TransactionTypeTopupRequest  TransactionType = "TOPUP_REQUEST"
	TransactionTypeTopupApproved TransactionType = "TOPUP_APPROVED"
	TransactionTypeTopupRejected TransactionType = "TOPUP_REJECTED"
	TransactionTypeReserve       TransactionType = "RESERVE"
	TransactionTypeCharge        TransactionType = "CHARGE"
	TransactionTypeRefund        TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusApproved  TransactionStatus = "APPROVED"
	TransactionStatusRejected  TransactionStatus = "REJECTED"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
)

type ReservationStatus string

const (
	ReservationStatusHeld     ReservationStatus = "HELD"
	ReservationStatusCharged  ReservationStatus = "CHARGED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
)

// Wallet holds an agency's funds. Balance includes reserved funds.
type Wallet struct {
	UserID    snowflake.ID `json:"user_id"`
	Balance   int64        `json:"balance"`
	Reserved  int64        `json:"reserved"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w Wallet) Available() int64 {
	return w.Balance - w.Reserved
}

// Snapshot is the API view of a wallet.
type Snapshot struct {
	UserID    snowflake.ID `json:"user_id"`
	Balance   int64        `json:"balance"`
	Reserved  int64        `json:"reserved"`
	Available int64        `json:"available"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (w Wallet) Snapshot() Snapshot {
	return Snapshot{
		UserID:    w.UserID,
		Balance:   w.Balance,
		Reserved:  w.Reserved,
		Available: w.Available(),
		UpdatedAt: w.UpdatedAt,
	}
}

// Transaction is an append-only ledger row. Only TOPUP_REQUEST rows change
// status after creation.
type Transaction struct {
	ID                   snowflake.ID      `json:"id"`
	UserID               snowflake.ID      `json:"user_id"`
	OrderID              *snowflake.ID     `json:"order_id,omitempty"`
	RelatedTransactionID *snowflake.ID     `json:"related_transaction_id,omitempty"`
	Type                 TransactionType   `json:"type"`
	Amount               int64             `json:"amount"`
	Units                int               `json:"units"`
	Status               TransactionStatus `json:"status"`
	Memo                 string            `json:"memo,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	CreatedBy            string            `json:"created_by,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	DecidedAt            *time.Time        `json:"decided_at,omitempty"`
}

func (Transaction) TableName() string { return "billing_transactions" }

// Reservation earmarks funds for one order until it is charged or released.
type Reservation struct {
	ID        snowflake.ID      `json:"id"`
	UserID    snowflake.ID      `json:"user_id"`
	OrderID   snowflake.ID      `json:"order_id"`
	Amount    int64             `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty"`
}

func (Reservation) TableName() string { return "wallet_reservations" }
