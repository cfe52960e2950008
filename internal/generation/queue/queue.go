// Package queue stores generation jobs and hands them to workers under
// expiring leases.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/generation/domain"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const jobColumns = `id, order_id, revision_memo, extra_instruction, quality_mode, status, attempts,
	max_attempts, available_at, lease_token, lease_expires_at, last_error, created_at, updated_at`

const claimable = `((status = ? AND available_at <= ?) OR (status = ? AND lease_expires_at <= ?))`

type Params struct {
	fx.In

	DB     *gorm.DB
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
}

type Queue struct {
	db          *gorm.DB
	genID       *snowflake.Node
	clock       clock.Clock
	maxAttempts int
}

func New(p Params) *Queue {
	maxAttempts := p.Config.Worker.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{db: p.DB, genID: p.GenID, clock: p.Clock, maxAttempts: maxAttempts}
}

// EnqueueTx adds a job inside the caller's transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, req orderdomain.EnqueueRequest) error {
	now := q.clock.Now()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO generation_jobs (
			id, order_id, revision_memo, extra_instruction, quality_mode, status,
			attempts, max_attempts, available_at, lease_token, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, ?)`,
		q.genID.Generate(),
		req.OrderID,
		req.RevisionMemo,
		req.ExtraInstruction,
		req.QualityMode,
		domain.JobStatusPending,
		q.maxAttempts,
		now,
		now,
		now,
	).Error
}

// CancelActiveTx cancels pending and running jobs of an order. A worker
// holding one of them loses its lease.
func (q *Queue) CancelActiveTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (int64, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET status = ?, lease_token = '', lease_expires_at = NULL, updated_at = ?
		 WHERE order_id = ? AND status IN (?, ?)`,
		domain.JobStatusCanceled,
		q.clock.Now(),
		orderID,
		domain.JobStatusPending,
		domain.JobStatusRunning,
	)
	return result.RowsAffected, result.Error
}

// Claim leases up to limit ready jobs. Jobs whose lease expired are
// claimable again. Each claim is a guarded update, so concurrent workers
// never hold the same job.
func (q *Queue) Claim(ctx context.Context, limit int, leaseTTL time.Duration) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.clock.Now()

	var candidates []domain.Job
	if err := q.db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs
		 WHERE `+claimable+`
		 ORDER BY available_at ASC, id ASC
		 LIMIT ?`,
		domain.JobStatusPending, now, domain.JobStatusRunning, now, limit,
	).Scan(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]domain.Job, 0, len(candidates))
	for _, job := range candidates {
		token := ulid.Make().String()
		expiresAt := now.Add(leaseTTL)
		result := q.db.WithContext(ctx).Exec(
			`UPDATE generation_jobs
			 SET status = ?, attempts = attempts + 1, lease_token = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = ? AND `+claimable,
			domain.JobStatusRunning, token, expiresAt, now,
			job.ID, domain.JobStatusPending, now, domain.JobStatusRunning, now,
		)
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		job.Status = domain.JobStatusRunning
		job.Attempts++
		job.LeaseToken = token
		job.LeaseExpiresAt = &expiresAt
		job.UpdatedAt = now
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// CompleteTx marks the leased job succeeded inside the caller's
// transaction. A lease that no longer holds the job yields
// ErrResultDiscarded so the caller rolls back whatever it wrote.
func (q *Queue) CompleteTx(ctx context.Context, tx *gorm.DB, lease orderdomain.JobLease) error {
	return q.settleTx(ctx, tx, lease, domain.JobStatusSucceeded, "")
}

func (q *Queue) FailTx(ctx context.Context, tx *gorm.DB, lease orderdomain.JobLease, reason string) error {
	return q.settleTx(ctx, tx, lease, domain.JobStatusFailed, reason)
}

func (q *Queue) settleTx(ctx context.Context, tx *gorm.DB, lease orderdomain.JobLease, status domain.JobStatus, lastError string) error {
	if !lease.Valid() {
		return orderdomain.ErrResultDiscarded
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET status = ?, last_error = ?, lease_token = '', lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_token = ?`,
		status, truncate(lastError, 1000), q.clock.Now(),
		lease.JobID, domain.JobStatusRunning, lease.Token,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %w", orderdomain.ErrResultDiscarded, domain.ErrLeaseLost)
	}
	return nil
}

// RetryLater returns the job to the queue after delay.
func (q *Queue) RetryLater(ctx context.Context, job domain.Job, delay time.Duration, lastError string) error {
	return q.release(ctx, job, domain.JobStatusPending, q.clock.Now().Add(delay), lastError, 0)
}

// Defer postpones the job without spending an attempt.
func (q *Queue) Defer(ctx context.Context, job domain.Job, delay time.Duration) error {
	return q.release(ctx, job, domain.JobStatusPending, q.clock.Now().Add(delay), job.LastError, 1)
}

// Discard cancels a job whose result is no longer wanted.
func (q *Queue) Discard(ctx context.Context, job domain.Job, reason string) error {
	return q.release(ctx, job, domain.JobStatusCanceled, job.AvailableAt, reason, 0)
}

func (q *Queue) release(ctx context.Context, job domain.Job, status domain.JobStatus, availableAt time.Time, lastError string, refund int) error {
	result := q.db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET status = ?, attempts = attempts - ?, available_at = ?, last_error = ?,
			lease_token = '', lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_token = ?`,
		status, refund, availableAt, truncate(lastError, 1000), q.clock.Now(),
		job.ID, domain.JobStatusRunning, job.LeaseToken,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// RecoverExpired returns jobs whose lease ran out to the pending pool.
func (q *Queue) RecoverExpired(ctx context.Context, limit int) (int64, error) {
	now := q.clock.Now()
	var ids []snowflake.ID
	if err := q.db.WithContext(ctx).Raw(
		`SELECT id FROM generation_jobs WHERE status = ? AND lease_expires_at <= ? ORDER BY id ASC LIMIT ?`,
		domain.JobStatusRunning, now, limit,
	).Scan(&ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := q.db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET status = ?, available_at = ?, lease_token = '', lease_expires_at = NULL,
			last_error = 'lease expired', updated_at = ?
		 WHERE id IN ? AND status = ? AND lease_expires_at <= ?`,
		domain.JobStatusPending, now, now, ids, domain.JobStatusRunning, now,
	)
	return result.RowsAffected, result.Error
}

func (q *Queue) Get(ctx context.Context, id snowflake.ID) (*domain.Job, error) {
	var jobs []domain.Job
	if err := q.db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id,
	).Scan(&jobs).Error; err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (q *Queue) ListByOrder(ctx context.Context, orderID snowflake.ID) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := q.db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE order_id = ? ORDER BY id ASC`, orderID,
	).Scan(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
