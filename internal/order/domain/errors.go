package domain

import "errors"

var (
	ErrInvalidOrder           = errors.New("invalid_order")
	ErrInvalidType            = errors.New("invalid_order_type")
	ErrInvalidDecision        = errors.New("invalid_decision")
	ErrInvalidGuide           = errors.New("invalid_guide")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrInvalidQualityMode     = errors.New("invalid_quality_mode")
	ErrReasonRequired         = errors.New("reason_required")
	ErrNotFound               = errors.New("order_not_found")
	ErrForbidden              = errors.New("order_forbidden")
	ErrNotDeletable           = errors.New("order_not_deletable")
	ErrNotEditable            = errors.New("order_not_editable")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrInvalidPageToken       = errors.New("invalid_page_token")

	// ErrCancelPending is returned to the worker while a cancellation is
	// undecided; the job should be retried later.
	ErrCancelPending = errors.New("cancel_pending")
	// ErrResultDiscarded is returned when a generation result arrives for an
	// order that no longer expects one.
	ErrResultDiscarded = errors.New("generation_result_discarded")
)
