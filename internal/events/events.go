// Package events writes domain events to a transactional outbox and
// dispatches them to a broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventOrderCreated         = "order.created"
	EventOrderSubmitted       = "order.submitted"
	EventOrderTransitioned    = "order.transitioned"
	EventOrderCompleted       = "order.completed"
	EventOrderCanceled        = "order.canceled"
	EventOrderFailed          = "order.failed"
	EventWalletReserved       = "wallet.reserved"
	EventWalletCharged        = "wallet.charged"
	EventWalletRefunded       = "wallet.refunded"
	EventWalletTopupRequested = "wallet.topup_requested"
	EventWalletTopupApproved  = "wallet.topup_approved"
	EventWalletTopupRejected  = "wallet.topup_rejected"
)

const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusDead    = "DEAD"
)

var (
	ErrInvalidEvent = errors.New("invalid_event")
)

type Event struct {
	AggregateType string
	AggregateID   snowflake.ID
	Type          string
	Payload       map[string]any
	DedupeKey     string
}

// Record is a persisted outbox row.
type Record struct {
	ID            snowflake.ID   `json:"id"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	Payload       datatypes.JSON `json:"payload"`
	DedupeKey     string         `json:"dedupe_key"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
}

type OutboxParams struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{genID: p.GenID, clock: p.Clock}
}

// PublishTx stores the event in the caller's transaction. Events sharing a
// dedupe key are written once.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if o == nil {
		return nil
	}
	if tx == nil {
		return errors.New("outbox requires a transaction")
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" || event.AggregateID == 0 {
		return ErrInvalidEvent
	}
	dedupeKey := strings.TrimSpace(event.DedupeKey)
	id := o.genID.Generate()
	if dedupeKey == "" {
		dedupeKey = eventType + ":" + id.String()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, payload, dedupe_key, status, attempts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		id,
		strings.TrimSpace(event.AggregateType),
		event.AggregateID.String(),
		eventType,
		datatypes.JSON(payload),
		dedupeKey,
		StatusPending,
		o.clock.Now(),
	).Error
}
