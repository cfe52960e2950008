package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	auditcontext "github.com/smallbiznis/manuscript/internal/auditcontext"
	obscontext "github.com/smallbiznis/manuscript/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to the envelope's
	// error type and code.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware assigns the request id, seeds the audit context and emits
// one http_request line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = auditcontext.WithRequestID(ctx, requestID)
		ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
		ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("resource_id", id))
		}
		if c.GetBool("idempotent_replay") {
			fields = append(fields, zap.Bool("idempotent_replay", true))
		}

		errorType := ""
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			var code string
			errorType, code = cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	return id
}

// requestLevel keeps probes and caller mistakes out of the info stream.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest && errorType == "validation_error":
		return zapcore.DebugLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
