package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/wallet/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertWallet(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO wallets (user_id, balance, reserved, created_at, updated_at)
		 VALUES (?, 0, 0, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now, now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindWallet(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Wallet, error) {
	var wallets []domain.Wallet
	if err := db.WithContext(ctx).Raw(
		`SELECT user_id, balance, reserved, created_at, updated_at
		 FROM wallets WHERE user_id = ?`,
		userID,
	).Scan(&wallets).Error; err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	return &wallets[0], nil
}

// AddReserved succeeds only when the wallet has amount available.
func (r *repo) AddReserved(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET reserved = reserved + ?, updated_at = ?
		 WHERE user_id = ? AND balance - reserved >= ?`,
		amount, now, userID, amount,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ReleaseReserved(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET reserved = reserved - ?, updated_at = ?
		 WHERE user_id = ? AND reserved >= ?`,
		amount, now, userID, amount,
	)
	return result.RowsAffected, result.Error
}

// Capture converts reserved funds into a deduction from balance.
func (r *repo) Capture(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET balance = balance - ?, reserved = reserved - ?, updated_at = ?
		 WHERE user_id = ? AND reserved >= ? AND balance >= ?`,
		amount, amount, now, userID, amount, amount,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, userID snowflake.ID, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		amount, now, userID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, res *domain.Reservation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallet_reservations (id, user_id, order_id, amount, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.ID, res.UserID, res.OrderID, res.Amount, res.Status, res.CreatedAt,
	).Error
}

func (r *repo) FindHeldReservation(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.Reservation, error) {
	var items []domain.Reservation
	if err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, order_id, amount, status, created_at, settled_at
		 FROM wallet_reservations
		 WHERE order_id = ? AND status = ?`,
		orderID, domain.ReservationStatusHeld,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) SettleReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.ReservationStatus, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallet_reservations SET status = ?, settled_at = ?
		 WHERE id = ? AND status = ?`,
		status, now, id, domain.ReservationStatusHeld,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_transactions (
			id, user_id, order_id, related_transaction_id, type, amount, units,
			status, memo, reason, created_by, created_at, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		t.OrderID,
		t.RelatedTransactionID,
		t.Type,
		t.Amount,
		t.Units,
		t.Status,
		t.Memo,
		t.Reason,
		t.CreatedBy,
		t.CreatedAt,
		t.DecidedAt,
	).Error
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	var items []domain.Transaction
	if err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, order_id, related_transaction_id, type, amount, units,
			status, memo, reason, created_by, created_at, decided_at
		 FROM billing_transactions WHERE id = ?`,
		id,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// DecideTopup moves a PENDING topup request to its final status.
func (r *repo) DecideTopup(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.TransactionStatus, reason string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_transactions SET status = ?, reason = ?, decided_at = ?
		 WHERE id = ? AND type = ? AND status = ?`,
		status, reason, now, id, domain.TransactionTypeTopupRequest, domain.TransactionStatusPending,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).Model(&domain.Transaction{})

	if filter.UserID != 0 {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if filter.OrderID != 0 {
		stmt = stmt.Where("order_id = ?", filter.OrderID)
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
