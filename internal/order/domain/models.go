package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeManuscript    Type = "MANUSCRIPT"
	TypeReceiptReview Type = "RECEIPT_REVIEW"
)

func ParseType(value string) (Type, bool) {
	switch Type(strings.ToUpper(strings.TrimSpace(value))) {
	case TypeManuscript:
		return TypeManuscript, true
	case TypeReceiptReview:
		return TypeReceiptReview, true
	default:
		return "", false
	}
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

func ParseDecision(value string) (Decision, bool) {
	switch Decision(strings.ToUpper(strings.TrimSpace(value))) {
	case DecisionApprove:
		return DecisionApprove, true
	case DecisionReject:
		return DecisionReject, true
	default:
		return "", false
	}
}

// Guide is the agency's brief for the generator.
type Guide struct {
	Content          string   `json:"content"`
	PlaceName        string   `json:"place_name,omitempty"`
	RequiredKeywords []string `json:"required_keywords,omitempty"`
	EmphasisKeywords []string `json:"emphasis_keywords,omitempty"`
	RequireLink      bool     `json:"require_link,omitempty"`
	RequireMap       bool     `json:"require_map,omitempty"`
}

func (g Guide) Value() (driver.Value, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (g *Guide) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*g = Guide{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported guide column type")
	}
	if len(raw) == 0 {
		*g = Guide{}
		return nil
	}
	return json.Unmarshal(raw, g)
}

type Order struct {
	ID                snowflake.ID   `json:"id"`
	AgencyID          snowflake.ID   `json:"agency_id"`
	Type              Type           `json:"type"`
	Status            Status         `json:"status"`
	PreviousStatus    Status         `json:"previous_status,omitempty"`
	Title             string         `json:"title"`
	Reference         string         `json:"reference"`
	UnitPrice         int64          `json:"unit_price"`
	RevisionCount     int            `json:"revision_count"`
	Guide             Guide          `json:"guide"`
	Manuscript        string         `json:"manuscript,omitempty"`
	ValidationReport  datatypes.JSON `json:"validation_report,omitempty"`
	RevisionMemo      string         `json:"revision_memo,omitempty"`
	LastFailureReason string         `json:"last_failure_reason,omitempty"`
	CancelReason      string         `json:"cancel_reason,omitempty"`
	CancelRequestedBy string         `json:"cancel_requested_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	SubmittedAt       *time.Time     `json:"submitted_at,omitempty"`
	ChargedAt         *time.Time     `json:"charged_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CancelRequestedAt *time.Time     `json:"cancel_requested_at,omitempty"`
	CanceledAt        *time.Time     `json:"canceled_at,omitempty"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"`
}

func (Order) TableName() string { return "orders" }
