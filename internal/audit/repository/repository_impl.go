package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/manuscript/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert appends entry on db, which may be the caller's transaction.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns newest first, fetching one row past Limit so the caller can
// tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{})
	for column, value := range map[string]string{
		"action":      filter.Action,
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
		"actor_type":  filter.ActorType,
	} {
		if value = strings.TrimSpace(value); value != "" {
			stmt = stmt.Where(column+" = ?", value)
		}
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := stmt.Order("id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
