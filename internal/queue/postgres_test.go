package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPostgresQueue connects to POSTPILOT_TEST_DATABASE_URL and starts from an
// empty jobs table. Tests using it are skipped when the variable is unset.
func openPostgresQueue(t *testing.T, clock *fakeClock) *PostgresQueue {
	t.Helper()
	dsn := os.Getenv("POSTPILOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("POSTPILOT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	opts := DefaultOptions()
	opts.Now = clock.Now
	q, err := NewPostgres(ctx, pool, opts)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, "TRUNCATE scheduled_jobs")
	require.NoError(t, err)
	return q
}

func TestPostgresQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := openPostgresQueue(t, clock)

	id := types.PostJobID("pg-1")
	_, err := q.Enqueue(ctx, id, payload("pg-1"), time.Minute)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, id, payload("pg-1"), time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	claimed, err := q.Claim(ctx, clock.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = q.Claim(ctx, clock.Advance(time.Minute), 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, payload("pg-1"), claimed[0].Payload)

	job, err := q.Fail(ctx, id, "twitter: timeout")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 2*time.Second, job.RunAt.Sub(clock.Now()))

	claimed, err = q.Claim(ctx, clock.Advance(2*time.Second), 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	job, err = q.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)

	// a completed job no longer blocks its id
	_, err = q.Enqueue(ctx, id, payload("pg-1"), 0)
	assert.NoError(t, err)
}

func TestPostgresQueueCancelAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := openPostgresQueue(t, clock)

	_, err := q.Enqueue(ctx, "post-pg-a", payload("a"), time.Hour)
	require.NoError(t, err)
	ok, err := q.Cancel(ctx, "post-pg-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = q.Enqueue(ctx, "post-pg-b", payload("b"), 0)
	require.NoError(t, err)
	_, err = q.Claim(ctx, clock.Now(), 1)
	require.NoError(t, err)
	_, err = q.Complete(ctx, "post-pg-b")
	require.NoError(t, err)

	n, err := q.Purge(ctx, clock.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["completed"])
}

func TestPostgresQueueLookAheadClaimIsRecoverable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := openPostgresQueue(t, clock)

	_, err := q.Enqueue(ctx, types.PostJobID("pg-ahead"), payload("ahead"), 30*time.Minute)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, clock.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].UpdatedAt.Equal(clock.Now()))

	clock.Advance(10 * time.Minute)
	n, err := q.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
