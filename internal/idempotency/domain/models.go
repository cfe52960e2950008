package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

var (
	ErrKeyConflict       = errors.New("idempotency_key_conflict")
	ErrRequestInProgress = errors.New("idempotency_request_in_progress")
	ErrInvalidKey        = errors.New("invalid_idempotency_key")
)

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 255

type Record struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Scope          string
	IdempotencyKey string
	Endpoint       string
	RequestHash    string
	Status         Status
	ResponseCode   int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (Record) TableName() string { return "idempotency_records" }

// Request identifies one guarded call. Scope isolates callers from each
// other so two agencies may reuse the same key.
type Request struct {
	Scope    string
	Key      string
	Endpoint string
	Payload  any
}

// Result is the response the guard stores and replays.
type Result struct {
	Code     int
	Body     []byte
	Replayed bool
}

type Guard interface {
	Execute(ctx context.Context, req Request, fn func(ctx context.Context) (Result, error)) (Result, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, scope, key string) (*Record, error)
	InsertInProgress(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, code int, body []byte) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	DeleteExpired(ctx context.Context, db *gorm.DB, before time.Time) (int64, error)
}
