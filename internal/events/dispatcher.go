package events

import (
	"context"

	"github.com/smallbiznis/manuscript/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDispatchLimit = 50
	defaultMaxAttempts   = 10
)

// Publisher delivers an outbox record to its destination.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
}

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Publisher Publisher
}

type Dispatcher struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	publisher   Publisher
	maxAttempts int
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:          p.DB,
		log:         p.Log.Named("events.dispatcher"),
		clock:       p.Clock,
		publisher:   p.Publisher,
		maxAttempts: defaultMaxAttempts,
	}
}

// Dispatch publishes up to limit pending records in creation order and
// returns how many were sent. Records that keep failing are marked DEAD.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (int, error) {
	if d == nil || d.publisher == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultDispatchLimit
	}

	var records []Record
	if err := d.db.WithContext(ctx).Raw(
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, dedupe_key, status, attempts
		 FROM outbox_events
		 WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		StatusPending,
		limit,
	).Scan(&records).Error; err != nil {
		return 0, err
	}

	sent := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := d.publisher.Publish(ctx, record); err != nil {
			d.markFailed(ctx, record, err)
			continue
		}
		if err := d.db.WithContext(ctx).Exec(
			`UPDATE outbox_events SET status = ?, attempts = attempts + 1, sent_at = ? WHERE id = ? AND status = ?`,
			StatusSent,
			d.clock.Now(),
			record.ID,
			StatusPending,
		).Error; err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, record Record, cause error) {
	status := StatusPending
	if record.Attempts+1 >= d.maxAttempts {
		status = StatusDead
	}
	d.log.Warn("outbox publish failed",
		zap.String("event_id", record.ID.String()),
		zap.String("event_type", record.EventType),
		zap.Int("attempts", record.Attempts+1),
		zap.String("status", status),
		zap.Error(cause),
	)
	if err := d.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ? AND status = ?`,
		status,
		truncate(cause.Error(), 500),
		record.ID,
		StatusPending,
	).Error; err != nil {
		d.log.Error("failed to record outbox failure", zap.String("event_id", record.ID.String()), zap.Error(err))
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events.log")}
}

func (p *LogPublisher) Publish(_ context.Context, record Record) error {
	p.log.Info("domain event",
		zap.String("event_id", record.ID.String()),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_type", record.AggregateType),
		zap.String("aggregate_id", record.AggregateID),
		zap.ByteString("payload", record.Payload),
	)
	return nil
}
