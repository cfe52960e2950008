package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/order/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const orderColumns = `id, agency_id, type, status, previous_status, title, reference, unit_price,
	revision_count, guide, manuscript, validation_report, revision_memo, last_failure_reason,
	cancel_reason, cancel_requested_by, created_at, updated_at, submitted_at, charged_at,
	completed_at, cancel_requested_at, canceled_at, deleted_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.AgencyID,
		o.Type,
		o.Status,
		o.PreviousStatus,
		o.Title,
		o.Reference,
		o.UnitPrice,
		o.RevisionCount,
		o.Guide,
		o.Manuscript,
		report(o.ValidationReport),
		o.RevisionMemo,
		o.LastFailureReason,
		o.CancelReason,
		o.CancelRequestedBy,
		o.CreatedAt,
		o.UpdatedAt,
		o.SubmittedAt,
		o.ChargedAt,
		o.CompletedAt,
		o.CancelRequestedAt,
		o.CanceledAt,
		o.DeletedAt,
	).Error
}

// FindByID ignores soft-deleted orders.
func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.find(ctx, db, id, "")
}

// FindByIDForUpdate holds a row lock on postgres so a concurrent mutation
// waits and then reads the committed row. sqlite serializes writers itself.
func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.find(ctx, tx, id, lockClause(tx.Dialector.Name()))
}

func lockClause(dialect string) string {
	if dialect == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repo) find(ctx context.Context, db *gorm.DB, id snowflake.ID, lock string) (*domain.Order, error) {
	var items []domain.Order
	if err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE id = ? AND deleted_at IS NULL`+lock,
		id,
	).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, o *domain.Order, expected domain.Status) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE orders SET
			status = ?, previous_status = ?, title = ?, reference = ?, revision_count = ?,
			guide = ?, manuscript = ?, validation_report = ?, revision_memo = ?,
			last_failure_reason = ?, cancel_reason = ?, cancel_requested_by = ?,
			updated_at = ?, submitted_at = ?, charged_at = ?, completed_at = ?,
			cancel_requested_at = ?, canceled_at = ?, deleted_at = ?
		 WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		o.Status,
		o.PreviousStatus,
		o.Title,
		o.Reference,
		o.RevisionCount,
		o.Guide,
		o.Manuscript,
		report(o.ValidationReport),
		o.RevisionMemo,
		o.LastFailureReason,
		o.CancelReason,
		o.CancelRequestedBy,
		o.UpdatedAt,
		o.SubmittedAt,
		o.ChargedAt,
		o.CompletedAt,
		o.CancelRequestedAt,
		o.CanceledAt,
		o.DeletedAt,
		o.ID,
		expected,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Order, error) {
	var items []*domain.Order
	stmt := db.WithContext(ctx).Model(&domain.Order{}).Where("deleted_at IS NULL")

	if filter.AgencyID != 0 {
		stmt = stmt.Where("agency_id = ?", filter.AgencyID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
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

func (r *repo) ListSubmittedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	if err := db.WithContext(ctx).Raw(
		`SELECT id FROM orders
		 WHERE status = ? AND deleted_at IS NULL AND submitted_at <= ?
		 ORDER BY submitted_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusSubmitted, before, limit,
	).Scan(&ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func report(value datatypes.JSON) datatypes.JSON {
	if len(value) == 0 {
		return datatypes.JSON("{}")
	}
	return value
}
