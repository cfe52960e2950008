package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/manuscript/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Actor and resource
// attributes are attached after the handler chain has resolved them.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("manuscript/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx, obscontext.RequestIDFromContext(ctx))

		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		}
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			attrs = append(attrs, attribute.String("request_id", requestID))
		}
		if actorType, actorID := obscontext.ActorFromContext(c.Request.Context()); actorType != "" {
			attrs = append(attrs,
				attribute.String("actor.type", actorType),
				attribute.String("actor.id", actorID),
			)
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, attribute.String("resource.id", id))
		}
		if replayed, ok := c.Get("idempotent_replay"); ok {
			attrs = append(attrs, attribute.Bool("idempotent_replay", replayed == true))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if c.Writer.Status() < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, "request error")
	}
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
