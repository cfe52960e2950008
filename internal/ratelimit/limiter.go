// Package ratelimit throttles agency mutations with a redis token bucket
// and offers the shared redis lock.
package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/manuscript/internal/config"
	"go.uber.org/zap"
)

const keyAgencyBucket = "manuscript:ratelimit:agency:%s"

// AgencyLimiter caps how fast one agency can mutate orders and request
// topups. It allows everything when disabled.
type AgencyLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

func NewAgencyLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *AgencyLimiter {
	log = log.Named("ratelimit")
	if !cfg.RateLimit.Enabled {
		return &AgencyLimiter{log: log}
	}
	if client == nil {
		log.Warn("rate limiting enabled without redis, limiter disabled")
		return &AgencyLimiter{log: log}
	}
	rate, burst := cfg.RateLimit.Rate, cfg.RateLimit.Burst
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 10
	}
	return &AgencyLimiter{
		bucket: NewTokenBucket(client),
		log:    log,
		rate:   rate,
		burst:  burst,
	}
}

func (l *AgencyLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow fails open: a redis outage never blocks agencies.
func (l *AgencyLimiter) Allow(ctx context.Context, agencyID string) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, AgencyKey(agencyID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("agency_id", agencyID), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}

func AgencyKey(agencyID string) string {
	return fmt.Sprintf(keyAgencyBucket, strings.TrimSpace(agencyID))
}
