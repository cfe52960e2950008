package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/generation/domain"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"github.com/smallbiznis/manuscript/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(testutil.Epoch)
	q := New(Params{
		DB:     testutil.OpenDB(t),
		GenID:  testutil.GenID(t),
		Clock:  clk,
		Config: config.Config{Worker: config.WorkerConfig{MaxAttempts: 2}},
	})
	return q, clk
}

func enqueue(t *testing.T, q *Queue, orderID snowflake.ID) {
	t.Helper()
	require.NoError(t, q.EnqueueTx(context.Background(), q.db, orderdomain.EnqueueRequest{
		OrderID:      orderID,
		RevisionMemo: "shorter please",
	}))
}

func leaseOf(job domain.Job) orderdomain.JobLease {
	return orderdomain.JobLease{JobID: job.ID, Token: job.LeaseToken}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	enqueue(t, q, 11)

	first, err := q.Claim(ctx, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, domain.JobStatusRunning, first[0].Status)
	assert.Equal(t, 1, first[0].Attempts)
	assert.Equal(t, 2, first[0].MaxAttempts)
	assert.Equal(t, "shorter please", first[0].RevisionMemo)
	assert.NotEmpty(t, first[0].LeaseToken)

	second, err := q.Claim(ctx, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)
	enqueue(t, q, 12)

	first, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clk.Advance(2 * time.Minute)
	again, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
	assert.NotEqual(t, first[0].LeaseToken, again[0].LeaseToken)

	// the stale holder can no longer settle the job
	err = q.CompleteTx(ctx, q.db, leaseOf(first[0]))
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
	assert.ErrorIs(t, err, orderdomain.ErrResultDiscarded)
	require.NoError(t, q.CompleteTx(ctx, q.db, leaseOf(again[0])))

	job, err := q.Get(ctx, again[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Empty(t, job.LeaseToken)
}

func TestRetryLaterHonoursDelay(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)
	enqueue(t, q, 13)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.RetryLater(ctx, jobs[0], 30*time.Second, "upstream 503"))

	none, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.Advance(31 * time.Second)
	retried, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)
	assert.Equal(t, "upstream 503", retried[0].LastError)
	assert.False(t, retried[0].AttemptsLeft())

	require.NoError(t, q.FailTx(ctx, q.db, leaseOf(retried[0]), "upstream 503"))
	job, err := q.Get(ctx, retried[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestDeferDoesNotSpendAttempt(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)
	enqueue(t, q, 14)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Defer(ctx, jobs[0], 10*time.Second))

	clk.Advance(10 * time.Second)
	again, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Attempts)
}

func TestCancelActiveRevokesLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	enqueue(t, q, 15)
	enqueue(t, q, 15)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	canceled, err := q.CancelActiveTx(ctx, q.db, 15)
	require.NoError(t, err)
	assert.EqualValues(t, 2, canceled)

	assert.ErrorIs(t, q.CompleteTx(ctx, q.db, leaseOf(jobs[0])), orderdomain.ErrResultDiscarded)

	all, err := q.ListByOrder(ctx, 15)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, job := range all {
		assert.Equal(t, domain.JobStatusCanceled, job.Status)
	}
}

func TestRecoverExpired(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)
	enqueue(t, q, 16)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	recovered, err := q.RecoverExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	clk.Advance(time.Hour)
	recovered, err = q.RecoverExpired(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	job, err := q.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "lease expired", job.LastError)
	assert.Nil(t, job.LeaseExpiresAt)
}

func TestConcurrentClaimsHandOutEachJobOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	const jobs = 6
	for i := 0; i < jobs; i++ {
		enqueue(t, q, snowflake.ID(100+i))
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = map[snowflake.ID]int{}
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.Claim(ctx, 2, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			for _, job := range claimed {
				holders[job.ID]++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, holders, jobs)
	for id, n := range holders {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestCompleteTxRollsBackWithCallerTransaction(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	enqueue(t, q, 17)

	jobs, err := q.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	rollback := errors.New("order write failed")
	err = q.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, q.CompleteTx(ctx, tx, leaseOf(jobs[0])))
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	job, err := q.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, jobs[0].LeaseToken, job.LeaseToken)

	assert.ErrorIs(t, q.FailTx(ctx, q.db, orderdomain.JobLease{}, "no lease"), orderdomain.ErrResultDiscarded)
}
