package domain

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusSubmitted         Status = "SUBMITTED"
	StatusAdminIntake       Status = "ADMIN_INTAKE"
	StatusGenerating        Status = "GENERATING"
	StatusGenerated         Status = "GENERATED"
	StatusAdminReview       Status = "ADMIN_REVIEW"
	StatusAgencyReview      Status = "AGENCY_REVIEW"
	StatusComplete          Status = "COMPLETE"
	StatusAgencyRejected    Status = "AGENCY_REJECTED"
	StatusAdminRejected     Status = "ADMIN_REJECTED"
	StatusRevisionRequested Status = "REVISION_REQUESTED"
	StatusRegenQueued       Status = "REGEN_QUEUED"
	StatusFailed            Status = "FAILED"
	StatusCancelRequested   Status = "CANCEL_REQUESTED"
	StatusCanceled          Status = "CANCELED"
	StatusCanceledByAgency  Status = "CANCELED_BY_AGENCY"
)

var allStatuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusAdminIntake,
	StatusGenerating,
	StatusGenerated,
	StatusAdminReview,
	StatusAgencyReview,
	StatusComplete,
	StatusAgencyRejected,
	StatusAdminRejected,
	StatusRevisionRequested,
	StatusRegenQueued,
	StatusFailed,
	StatusCancelRequested,
	StatusCanceled,
	StatusCanceledByAgency,
}

func ParseStatus(value string) (Status, bool) {
	for _, s := range allStatuses {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCanceled, StatusCanceledByAgency:
		return true
	default:
		return false
	}
}

// Queued reports whether the worker owns the next step for an order in s.
func (s Status) Queued() bool {
	switch s {
	case StatusGenerating, StatusRegenQueued, StatusRevisionRequested:
		return true
	default:
		return false
	}
}

type Event string

const (
	EventSubmit              Event = "submit"
	EventIntake              Event = "intake"
	EventStartGeneration     Event = "start_generation"
	EventGenerationSucceeded Event = "generation_succeeded"
	EventPublishForReview    Event = "publish_for_review"
	EventGenerationFailed    Event = "generation_failed"
	EventAdminApprove        Event = "admin_approve"
	EventAdminReject         Event = "admin_reject"
	EventAgencyApprove       Event = "agency_approve"
	EventAgencyReject        Event = "agency_reject"
	EventRequeue             Event = "requeue"
	EventRequestCancel       Event = "request_cancel"
	EventApproveCancel       Event = "approve_cancel"
	EventApproveAgencyCancel Event = "approve_agency_cancel"
	EventForceFail           Event = "force_fail"
	EventRejectCancel        Event = "reject_cancel"
)

// transitions is the order lifecycle. Rejecting a cancellation is not listed:
// it restores the status recorded when the cancellation was requested.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit:        StatusSubmitted,
		EventRequestCancel: StatusCancelRequested,
	},
	StatusSubmitted: {
		EventIntake:        StatusAdminIntake,
		EventRequestCancel: StatusCancelRequested,
		EventForceFail:     StatusFailed,
	},
	StatusAdminIntake: {
		EventStartGeneration: StatusGenerating,
		EventRequestCancel:   StatusCancelRequested,
		EventForceFail:       StatusFailed,
	},
	StatusGenerating: {
		EventGenerationSucceeded: StatusGenerated,
		EventGenerationFailed:    StatusFailed,
		EventRequestCancel:       StatusCancelRequested,
		EventForceFail:           StatusFailed,
	},
	StatusGenerated: {
		EventPublishForReview: StatusAdminReview,
		EventRequestCancel:    StatusCancelRequested,
		EventForceFail:        StatusFailed,
	},
	StatusAdminReview: {
		EventAdminApprove:  StatusAgencyReview,
		EventAdminReject:   StatusAdminRejected,
		EventRequestCancel: StatusCancelRequested,
		EventForceFail:     StatusFailed,
	},
	StatusAdminRejected: {
		EventRequeue:       StatusRegenQueued,
		EventRequestCancel: StatusCancelRequested,
	},
	StatusRegenQueued: {
		EventStartGeneration:  StatusGenerating,
		EventGenerationFailed: StatusFailed,
		EventRequestCancel:    StatusCancelRequested,
		EventForceFail:        StatusFailed,
	},
	StatusAgencyReview: {
		EventAgencyApprove: StatusComplete,
		EventAgencyReject:  StatusAgencyRejected,
		EventRequestCancel: StatusCancelRequested,
		EventForceFail:     StatusFailed,
	},
	StatusAgencyRejected: {
		EventRequeue:       StatusRevisionRequested,
		EventRequestCancel: StatusCancelRequested,
	},
	StatusRevisionRequested: {
		EventStartGeneration:  StatusGenerating,
		EventGenerationFailed: StatusFailed,
		EventRequestCancel:    StatusCancelRequested,
		EventForceFail:        StatusFailed,
	},
	StatusFailed: {
		EventSubmit:          StatusSubmitted,
		EventStartGeneration: StatusGenerating,
		EventRequestCancel:   StatusCancelRequested,
	},
	StatusCancelRequested: {
		EventApproveCancel:       StatusCanceled,
		EventApproveAgencyCancel: StatusCanceledByAgency,
		EventForceFail:           StatusFailed,
	},
}

var ErrIllegalTransition = errors.New("illegal_transition")

type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal_transition: %s on %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Next returns the status an order in from reaches on event.
func Next(from Status, event Event) (Status, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return "", &TransitionError{From: from, Event: event}
}

func Can(from Status, event Event) bool {
	_, ok := transitions[from][event]
	return ok
}

// Step is one applied transition.
type Step struct {
	From  Status
	To    Status
	Event Event
}
