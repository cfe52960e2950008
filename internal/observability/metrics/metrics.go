package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP business counters. A nil *Metrics records nothing.
type Metrics struct {
	orderTransitions   metric.Int64Counter
	ledgerOperations   metric.Int64Counter
	generationOutcomes metric.Int64Counter
	idempotencyReplays metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider installs the global meter provider. Export is off unless
// telemetry is enabled.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}
	if log != nil {
		log.Named("metrics").Info("otlp metric export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "manuscript"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.orderTransitions, "manuscript_order_transitions_total", "Committed order status changes."},
		{&m.ledgerOperations, "manuscript_ledger_operations_total", "Committed wallet ledger rows by type."},
		{&m.generationOutcomes, "manuscript_generation_outcomes_total", "Finished generation jobs by outcome."},
		{&m.idempotencyReplays, "manuscript_idempotency_replays_total", "Responses served from a stored idempotency record."},
		{&m.rateLimitDenied, "manuscript_rate_limit_denied_total", "Agency requests rejected by the rate limiter."},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordOrderTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	add(ctx, m.orderTransitions,
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
}

func (m *Metrics) RecordLedgerOperation(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	add(ctx, m.ledgerOperations, attribute.String("transaction_type", strings.TrimSpace(txType)))
}

func (m *Metrics) RecordGenerationOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.generationOutcomes, attribute.String("outcome", strings.TrimSpace(outcome)))
}

func (m *Metrics) RecordIdempotentReplay(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	add(ctx, m.idempotencyReplays, attribute.String("endpoint", strings.TrimSpace(endpoint)))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitDenied, attribute.String("endpoint", strings.TrimSpace(endpoint)))
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		if endpoint == "" {
			return otlpmetrichttp.New(ctx)
		}
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	case "", "grpc":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("metrics: unsupported otlp protocol %q", protocol)
	}
}

// Labels outside this set never reach an exporter. Order ids, user ids and
// amounts would make every series unique.
var allowedLabelKeys = map[attribute.Key]bool{
	"from_status":      true,
	"to_status":        true,
	"transaction_type": true,
	"outcome":          true,
	"endpoint":         true,
	"status_code":      true,
	"reason":           true,
}

func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := attrs[:0:0]
	for _, attr := range attrs {
		if allowedLabelKeys[attr.Key] {
			out = append(out, attr)
		}
	}
	return out
}
