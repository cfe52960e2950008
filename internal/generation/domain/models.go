package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// Job is one durable unit of generation work for an order.
type Job struct {
	ID               snowflake.ID `json:"id"`
	OrderID          snowflake.ID `json:"order_id"`
	RevisionMemo     string       `json:"revision_memo"`
	ExtraInstruction string       `json:"extra_instruction"`
	QualityMode      string       `json:"quality_mode"`
	Status           JobStatus    `json:"status"`
	Attempts         int          `json:"attempts"`
	MaxAttempts      int          `json:"max_attempts"`
	AvailableAt      time.Time    `json:"available_at"`
	LeaseToken       string       `json:"lease_token"`
	LeaseExpiresAt   *time.Time   `json:"lease_expires_at,omitempty"`
	LastError        string       `json:"last_error"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (Job) TableName() string { return "generation_jobs" }

// AttemptsLeft reports whether another attempt may follow the current one.
func (j Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Input is what the external generator receives.
type Input struct {
	OrderID          snowflake.ID
	OrderType        string
	Guide            string
	PlaceName        string
	Keywords         []string
	RevisionMemo     string
	ExtraInstruction string
	QualityMode      string
}

type Generator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

var (
	ErrTransient = errors.New("transient_generator_failure")
	ErrPermanent = errors.New("permanent_generator_failure")
	ErrLeaseLost = errors.New("lease_lost")
)

type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrTransient, cause: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrPermanent, cause: err}
}

// IsPermanent reports whether retrying err is pointless. Unclassified errors,
// timeouts and network failures are retried.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}
