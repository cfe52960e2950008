package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateOrderRequest struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Guide  Guide  `json:"guide"`
	Submit bool   `json:"submit"`
}

type UpdateDraftRequest struct {
	Title *string `json:"title"`
	Guide *Guide  `json:"guide"`
}

type GenerateRequest struct {
	ExtraInstruction string `json:"extra_instruction"`
	QualityMode      string `json:"quality_mode"`
}

type ReviewRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type ResolveCancelRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// JobLease identifies the claimed generation job an outcome belongs to.
type JobLease struct {
	JobID snowflake.ID
	Token string
}

func (l JobLease) Valid() bool {
	return l.JobID != 0 && l.Token != ""
}

// GenerationResult is what the worker reports for a finished attempt.
type GenerationResult struct {
	OrderID    snowflake.ID
	Lease      JobLease
	Manuscript string
	Report     datatypes.JSON
}

// GenerationFailure is what the worker reports for an attempt that will
// not be retried.
type GenerationFailure struct {
	OrderID snowflake.ID
	Lease   JobLease
	Reason  string
}

type ListOrderRequest struct {
	pagination.Pagination
	AgencyID snowflake.ID
	Status   string `form:"status"`
	Type     string `form:"type"`
}

type ListOrderResponse struct {
	pagination.PageInfo
	Orders []Order `json:"orders"`
}

type Service interface {
	Create(ctx context.Context, who actor.Actor, req CreateOrderRequest) (*Order, error)
	UpdateDraft(ctx context.Context, who actor.Actor, orderID snowflake.ID, req UpdateDraftRequest) (*Order, error)
	Get(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*Order, error)
	List(ctx context.Context, who actor.Actor, req ListOrderRequest) (ListOrderResponse, error)

	Submit(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*Order, error)
	Intake(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*Order, error)
	Generate(ctx context.Context, who actor.Actor, orderID snowflake.ID, req GenerateRequest) (*Order, error)

	MarkGenerating(ctx context.Context, orderID snowflake.ID) (*Order, error)
	ReportGenerationSuccess(ctx context.Context, result GenerationResult) (*Order, error)
	ReportGenerationFailure(ctx context.Context, failure GenerationFailure) (*Order, error)

	AdminReview(ctx context.Context, who actor.Actor, orderID snowflake.ID, req ReviewRequest) (*Order, error)
	AgencyReview(ctx context.Context, who actor.Actor, orderID snowflake.ID, req ReviewRequest) (*Order, error)

	RequestCancel(ctx context.Context, who actor.Actor, orderID snowflake.ID, reason string) (*Order, error)
	ResolveCancel(ctx context.Context, who actor.Actor, orderID snowflake.ID, req ResolveCancelRequest) (*Order, error)
	ForceFail(ctx context.Context, who actor.Actor, orderID snowflake.ID, reason string) (*Order, error)
	Delete(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*Order, error)

	// DueForIntake lists submitted orders waiting at least delay.
	DueForIntake(ctx context.Context, delay time.Duration, limit int) ([]snowflake.ID, error)
}

type EnqueueRequest struct {
	OrderID          snowflake.ID
	RevisionMemo     string
	ExtraInstruction string
	QualityMode      string
}

// JobQueue is the durable generation queue as seen from order transitions.
type JobQueue interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, req EnqueueRequest) error
	CancelActiveTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (int64, error)
	// CompleteTx and FailTx settle a job only while lease still holds it and
	// return ErrResultDiscarded otherwise.
	CompleteTx(ctx context.Context, tx *gorm.DB, lease JobLease) error
	FailTx(ctx context.Context, tx *gorm.DB, lease JobLease, reason string) error
}

type ListFilter struct {
	AgencyID snowflake.ID
	Status   Status
	Type     Type
	BeforeID snowflake.ID
	Limit    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, o *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	// FindByIDForUpdate also locks the row until the transaction ends.
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Order, error)
	// Update writes o when the stored status still equals expected.
	Update(ctx context.Context, db *gorm.DB, o *Order, expected Status) (int64, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Order, error)
	ListSubmittedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
}
