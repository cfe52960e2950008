package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	"github.com/smallbiznis/manuscript/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKeyFormat = "manuscript:idempotency:%s:%s"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       domain.Repository
	Locker     *ratelimit.Locker   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Guard struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics
	retention  time.Duration
	lockTTL    time.Duration
}

func NewGuard(p Params) domain.Guard {
	retention := p.Config.Idempotency.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	lockTTL := p.Config.Idempotency.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Guard{
		db:         p.DB,
		log:        p.Log.Named("idempotency.guard"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		retention:  retention,
		lockTTL:    lockTTL,
	}
}

// Execute runs fn at most once per (scope, key) within the retention
// window and replays the stored result for repeats. Without a key fn runs
// unguarded. A failed fn leaves no record so the client may retry.
func (g *Guard) Execute(ctx context.Context, req domain.Request, fn func(ctx context.Context) (domain.Result, error)) (domain.Result, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return fn(ctx)
	}
	if len(key) > domain.MaxKeyLength || strings.TrimSpace(req.Scope) == "" {
		return domain.Result{}, domain.ErrInvalidKey
	}
	hash, err := HashPayload(req.Endpoint, req.Payload)
	if err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	err = g.locker.WithLock(ctx, fmt.Sprintf(lockKeyFormat, req.Scope, key), g.lockTTL, func(ctx context.Context) error {
		var runErr error
		result, runErr = g.execute(ctx, req.Scope, key, req.Endpoint, hash, fn)
		return runErr
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return domain.Result{}, domain.ErrRequestInProgress
	}
	return result, err
}

func (g *Guard) execute(ctx context.Context, scope, key, endpoint, hash string, fn func(ctx context.Context) (domain.Result, error)) (domain.Result, error) {
	now := g.clock.Now()
	record := &domain.Record{
		ID:             g.genID.Generate(),
		Scope:          scope,
		IdempotencyKey: key,
		Endpoint:       endpoint,
		RequestHash:    hash,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.retention),
	}

	inserted, err := g.repo.InsertInProgress(ctx, g.db, record)
	if err != nil {
		return domain.Result{}, err
	}
	if !inserted {
		existing, err := g.repo.Find(ctx, g.db, scope, key)
		if err != nil {
			return domain.Result{}, err
		}
		if existing == nil {
			return domain.Result{}, domain.ErrRequestInProgress
		}
		if !existing.ExpiresAt.After(now) {
			// stale record from an earlier window, start over
			if err := g.repo.Delete(ctx, g.db, existing.ID); err != nil {
				return domain.Result{}, err
			}
			if inserted, err = g.repo.InsertInProgress(ctx, g.db, record); err != nil {
				return domain.Result{}, err
			}
			if !inserted {
				return domain.Result{}, domain.ErrRequestInProgress
			}
		} else {
			return g.replay(ctx, existing, endpoint, hash)
		}
	}

	result, err := fn(ctx)
	if err != nil {
		if delErr := g.repo.Delete(context.WithoutCancel(ctx), g.db, record.ID); delErr != nil {
			g.log.Warn("failed to clear idempotency record", zap.String("endpoint", endpoint), zap.Error(delErr))
		}
		return domain.Result{}, err
	}
	if err := g.repo.Complete(context.WithoutCancel(ctx), g.db, record.ID, result.Code, result.Body); err != nil {
		// the side effect is committed; a lost record only weakens replay
		g.log.Warn("failed to store idempotent result", zap.String("endpoint", endpoint), zap.Error(err))
	}
	return result, nil
}

func (g *Guard) replay(ctx context.Context, existing *domain.Record, endpoint, hash string) (domain.Result, error) {
	if existing.Endpoint != endpoint || existing.RequestHash != hash {
		return domain.Result{}, domain.ErrKeyConflict
	}
	if existing.Status != domain.StatusCompleted {
		return domain.Result{}, domain.ErrRequestInProgress
	}
	g.obsMetrics.RecordIdempotentReplay(ctx, endpoint)
	return domain.Result{
		Code:     existing.ResponseCode,
		Body:     existing.ResponseBody,
		Replayed: true,
	}, nil
}

func (g *Guard) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return g.repo.DeleteExpired(ctx, g.db, before)
}
