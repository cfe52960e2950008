package events

import (
	"context"

	"github.com/smallbiznis/manuscript/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewPublisher),
	fx.Provide(NewDispatcher),
)

// NewPublisher picks kafka when brokers are configured and falls back to logging.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return NewLogPublisher(log)
	}
	publisher := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}
