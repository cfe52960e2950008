package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
	obscontext "github.com/smallbiznis/manuscript/internal/observability/context"
	"github.com/smallbiznis/manuscript/internal/observability/logger"
	"go.uber.org/zap"
)

// Identity headers are set by the trusted gateway in front of the API.
const (
	HeaderActorRole      = "X-Actor-Role"
	HeaderActorID        = "X-Actor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ActorRequired resolves the caller from gateway headers.
func ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := actor.Parse(c.GetHeader(HeaderActorRole), c.GetHeader(HeaderActorID))
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := actor.WithActor(c.Request.Context(), who)
		ctx = obscontext.WithActor(ctx, string(who.Role), who.IDString())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequireRole(roles ...actor.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := actor.FromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		for _, role := range roles {
			if who.Role == role {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}

// AgencyRateLimit throttles agency mutations with the shared token bucket.
func (s *Server) AgencyRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		who, ok := actor.FromContext(ctx)
		if !ok || !who.IsAgency() {
			c.Next()
			return
		}

		result := s.limiter.Allow(ctx, who.ID.String())
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if result.Allowed {
			c.Next()
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		logger.FromContext(ctx).Warn("agency rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.Duration("retry_after", result.RetryAfter),
		)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)
		}
		retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = c.Request.URL.Path
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return c.Request.Method + " " + endpoint
}
