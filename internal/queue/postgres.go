package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id               TEXT PRIMARY KEY,
    payload          JSONB       NOT NULL,
    status           TEXT        NOT NULL,
    run_at           TIMESTAMPTZ NOT NULL,
    attempt          INT         NOT NULL DEFAULT 0,
    max_attempts     INT         NOT NULL,
    backoff_type     TEXT        NOT NULL,
    backoff_delay_ms BIGINT      NOT NULL,
    last_error       TEXT        NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx ON scheduled_jobs (run_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS scheduled_jobs_finished_idx ON scheduled_jobs (status, finished_at);
`

const jobColumns = `id, payload, status, run_at, attempt, max_attempts, backoff_type,
    backoff_delay_ms, last_error, created_at, updated_at, finished_at`

// PostgresQueue stores jobs in a scheduled_jobs table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent consumers never share a job.
type PostgresQueue struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgres returns a queue over pool and creates its table if needed.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PostgresQueue, error) {
	if _, err := pool.Exec(ctx, jobsSchema); err != nil {
		return nil, fmt.Errorf("create scheduled_jobs: %w", err)
	}
	return &PostgresQueue{pool: pool, opts: opts.withDefaults()}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, id types.JobID, payload types.JobPayload, delay time.Duration) (*types.Job, error) {
	job, err := q.opts.newJob(id, payload, delay)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, err
	}

	// a terminal row with the same id is overwritten; a live one blocks
	const stmt = `
    INSERT INTO scheduled_jobs (id, payload, status, run_at, attempt, max_attempts,
        backoff_type, backoff_delay_ms, last_error, created_at, updated_at, finished_at)
    VALUES ($1, $2, 'pending', $3, 0, $4, $5, $6, '', $7, $7, NULL)
    ON CONFLICT (id) DO UPDATE SET
        payload = EXCLUDED.payload, status = 'pending', run_at = EXCLUDED.run_at,
        attempt = 0, max_attempts = EXCLUDED.max_attempts,
        backoff_type = EXCLUDED.backoff_type, backoff_delay_ms = EXCLUDED.backoff_delay_ms,
        last_error = '', created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at,
        finished_at = NULL
    WHERE scheduled_jobs.status IN ('completed', 'exhausted')`

	tag, err := q.pool.Exec(ctx, stmt, string(id), body, job.RunAt, job.MaxAttempts,
		job.Backoff.Type, job.Backoff.Delay.Milliseconds(), job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	return &job, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	const stmt = `DELETE FROM scheduled_jobs WHERE id = $1 AND status = 'pending'`
	tag, err := q.pool.Exec(ctx, stmt, string(id))
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, now time.Time, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	stmt := `
    WITH due AS (
        SELECT id FROM scheduled_jobs
        WHERE status = 'pending' AND run_at <= $1
        ORDER BY run_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    )
    UPDATE scheduled_jobs j SET status = 'in_flight', updated_at = $3
    FROM due WHERE j.id = due.id
    RETURNING ` + prefixed("j.", jobColumns)

	// now only selects what is due; the lease is stamped with the queue clock
	rows, err := q.pool.Query(ctx, stmt, now, limit, q.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	// RETURNING does not preserve the CTE's order
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].RunAt.Before(jobs[k].RunAt) })
	return jobs, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id types.JobID) (*types.Job, error) {
	now := q.opts.Now()
	stmt := `
    UPDATE scheduled_jobs SET status = 'completed', last_error = '', updated_at = $2, finished_at = $2
    WHERE id = $1 AND status = 'in_flight'
    RETURNING ` + jobColumns
	rows, err := q.pool.Query(ctx, stmt, string(id), now)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, q.missingOrNotInFlight(ctx, id)
	}
	return jobs[0], nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id types.JobID, cause string) (*types.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := jobs[0]
	if job.Status != types.StatusInFlight {
		return nil, fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}

	now := q.opts.Now()
	job.Attempt++
	job.LastError = cause
	job.UpdatedAt = now
	if job.Attempt < job.MaxAttempts {
		job.Status = types.StatusPending
		job.RunAt = now.Add(job.Backoff.NextDelay(job.Attempt))
	} else {
		job.Status = types.StatusExhausted
		job.FinishedAt = &now
	}

	const stmt = `
    UPDATE scheduled_jobs SET status = $2, run_at = $3, attempt = $4, last_error = $5,
        updated_at = $6, finished_at = $7
    WHERE id = $1`
	if _, err := tx.Exec(ctx, stmt, string(id), string(job.Status), job.RunAt, job.Attempt,
		job.LastError, job.UpdatedAt, job.FinishedAt); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *PostgresQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.opts.Now()
	const stmt = `
    UPDATE scheduled_jobs SET status = 'pending', run_at = LEAST(run_at, $1), updated_at = $1
    WHERE status = 'in_flight' AND updated_at <= $2`
	tag, err := q.pool.Exec(ctx, stmt, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) Release(ctx context.Context, ids ...types.JobID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	const stmt = `
    UPDATE scheduled_jobs SET status = 'pending', run_at = LEAST(run_at, $1), updated_at = $1
    WHERE status = 'in_flight' AND id = ANY($2)`
	tag, err := q.pool.Exec(ctx, stmt, q.opts.Now(), keys)
	if err != nil {
		return 0, fmt.Errorf("release jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) Purge(ctx context.Context, now time.Time) (int, error) {
	r := q.opts.Retention
	var total int64

	if r.CompletedAge > 0 {
		tag, err := q.pool.Exec(ctx,
			`DELETE FROM scheduled_jobs WHERE status = 'completed' AND finished_at < $1`, now.Add(-r.CompletedAge))
		if err != nil {
			return 0, fmt.Errorf("purge completed: %w", err)
		}
		total += tag.RowsAffected()
	}
	if r.CompletedMax > 0 {
		tag, err := q.pool.Exec(ctx, `
        DELETE FROM scheduled_jobs WHERE status = 'completed' AND id NOT IN (
            SELECT id FROM scheduled_jobs WHERE status = 'completed'
            ORDER BY finished_at DESC LIMIT $1)`, r.CompletedMax)
		if err != nil {
			return 0, fmt.Errorf("purge completed overflow: %w", err)
		}
		total += tag.RowsAffected()
	}
	if r.ExhaustedAge > 0 {
		tag, err := q.pool.Exec(ctx,
			`DELETE FROM scheduled_jobs WHERE status = 'exhausted' AND finished_at < $1`, now.Add(-r.ExhaustedAge))
		if err != nil {
			return 0, fmt.Errorf("purge exhausted: %w", err)
		}
		total += tag.RowsAffected()
	}
	return int(total), nil
}

func (q *PostgresQueue) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, string(id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return jobs[0], nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusInFlight):  0,
		string(types.StatusCompleted): 0,
		string(types.StatusExhausted): 0,
	}
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// Close is a no-op; the pool belongs to the caller.
func (q *PostgresQueue) Close() error { return nil }

func (q *PostgresQueue) missingOrNotInFlight(ctx context.Context, id types.JobID) error {
	_, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotInFlight, id)
}

func collectJobs(rows pgx.Rows) ([]*types.Job, error) {
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var (
			job        types.Job
			id         string
			payload    []byte
			status     string
			delayMS    int64
			finishedAt *time.Time
		)
		if err := rows.Scan(&id, &payload, &status, &job.RunAt, &job.Attempt, &job.MaxAttempts,
			&job.Backoff.Type, &delayMS, &job.LastError, &job.CreatedAt, &job.UpdatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", id, err)
		}
		job.ID = types.JobID(id)
		job.Status = types.JobStatus(status)
		job.Backoff.Delay = time.Duration(delayMS) * time.Millisecond
		job.FinishedAt = finishedAt
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func prefixed(prefix, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	field := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if field && c != ' ' && c != '\n' {
			out = append(out, prefix...)
			field = false
		}
		if c == ',' {
			field = true
		}
		out = append(out, c)
	}
	return string(out)
}
