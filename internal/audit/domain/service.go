package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog is an append-only record of a state-changing action.
type AuditLog struct {
	ID         snowflake.ID      `json:"id"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	BeforeID   snowflake.ID
	Limit      int
}

type Service interface {
	// AuditLog writes through tx when it is non-nil so the entry commits with the change it describes.
	AuditLog(ctx context.Context, tx *gorm.DB, who actor.Actor, action string, targetType string, targetID string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidAction    = errors.New("invalid_action")
)
