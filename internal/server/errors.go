package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/internal/authorization"
	idempotencydomain "github.com/smallbiznis/manuscript/internal/idempotency/domain"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, actor.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, walletdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_funds",
			Message: "insufficient funds",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, orderdomain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, orderdomain.ErrIllegalTransition),
		errors.Is(err, orderdomain.ErrNotDeletable),
		errors.Is(err, orderdomain.ErrNotEditable):
		return http.StatusConflict, errorPayload{
			Type:    "illegal_transition",
			Message: err.Error(),
		}
	case errors.Is(err, orderdomain.ErrConcurrentModification):
		return http.StatusConflict, errorPayload{
			Type:    "concurrent_modification",
			Message: "order was modified concurrently",
		}
	case errors.Is(err, walletdomain.ErrNoReservationFound):
		return http.StatusConflict, errorPayload{
			Type:    "no_reservation_found",
			Message: "no reservation found",
		}
	case errors.Is(err, walletdomain.ErrInvalidTransactionState):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transaction_state",
			Message: "transaction is not pending",
		}
	case errors.Is(err, idempotencydomain.ErrKeyConflict):
		return http.StatusConflict, errorPayload{
			Type:    "idempotency_key_conflict",
			Message: "idempotency key reused with a different request",
		}
	case errors.Is(err, idempotencydomain.ErrRequestInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "idempotency_in_progress",
			Message: "a request with this idempotency key is in progress",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and the most specific code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 && payload.Errors[0].Code != "" {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// validationSentinels are domain errors reported as 400 with their own code.
var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	idempotencydomain.ErrInvalidKey,
	orderdomain.ErrInvalidOrder,
	orderdomain.ErrInvalidType,
	orderdomain.ErrInvalidDecision,
	orderdomain.ErrInvalidGuide,
	orderdomain.ErrInvalidStatus,
	orderdomain.ErrInvalidQualityMode,
	orderdomain.ErrReasonRequired,
	orderdomain.ErrInvalidPageToken,
	walletdomain.ErrInvalidUser,
	walletdomain.ErrInvalidOrder,
	walletdomain.ErrInvalidAmount,
	walletdomain.ErrInvalidTransaction,
	walletdomain.ErrReasonRequired,
	walletdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidAction,
}

func validationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isValidationError(err error) bool {
	return validationSentinel(err) != nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orderdomain.ErrNotFound),
		errors.Is(err, walletdomain.ErrWalletNotFound),
		errors.Is(err, walletdomain.ErrTransactionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if sentinel := validationSentinel(err); sentinel != nil {
		return sentinel.Error()
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == "reason_required" {
		return "reason"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "reason_required":
		return "reason is required"
	case "insufficient_funds":
		return "insufficient funds"
	default:
		return "invalid value"
	}
}
