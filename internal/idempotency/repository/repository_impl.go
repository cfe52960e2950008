package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/idempotency/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, scope, key string) (*domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope, idempotency_key, endpoint, request_hash, status,
			response_code, response_body, created_at, expires_at
		 FROM idempotency_records
		 WHERE scope = ? AND idempotency_key = ?`,
		scope, key,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// InsertInProgress reports false when another request already owns the key.
func (r *repo) InsertInProgress(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (
			id, scope, idempotency_key, endpoint, request_hash, status,
			response_code, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (scope, idempotency_key) DO NOTHING`,
		record.ID,
		record.Scope,
		record.IdempotencyKey,
		record.Endpoint,
		record.RequestHash,
		domain.StatusInProgress,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, code int, body []byte) error {
	return db.WithContext(ctx).Exec(
		`UPDATE idempotency_records SET status = ?, response_code = ?, response_body = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted, code, body, id, domain.StatusInProgress,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM idempotency_records WHERE id = ?`, id).Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM idempotency_records WHERE expires_at <= ?`, before)
	return result.RowsAffected, result.Error
}
