// Package queue is the durable delayed job queue: jobs keyed by a
// deterministic id that become visible to consumers once their run time has
// passed, retried with backoff on failure up to a bounded attempt count.
//
// Two backends implement Queue: a file-backed one (in-memory state guarded by
// a write-ahead log and periodic snapshots) and a Postgres-backed one.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

var (
	// ErrDuplicateJob means a live job with the same id already exists.
	// Callers must cancel it before enqueuing again.
	ErrDuplicateJob = errors.New("queue: job already scheduled")
	// ErrInvalidDelay means a negative delay was requested.
	ErrInvalidDelay = errors.New("queue: delay must not be negative")
	// ErrJobNotFound means the job id is unknown.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrNotInFlight means a result was reported for a job that is not running.
	ErrNotInFlight = errors.New("queue: job not in flight")
	// ErrJobExhausted means every attempt failed and the job will not run again.
	ErrJobExhausted = errors.New("queue: job attempts exhausted")
	// ErrClosed means the queue has been closed.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a durable, time-ordered job store.
type Queue interface {
	// Enqueue schedules a job to become due after delay.
	Enqueue(ctx context.Context, id types.JobID, payload types.JobPayload, delay time.Duration) (*types.Job, error)
	// Cancel removes a job that has not started. It reports false when the
	// job is absent, running or terminal.
	Cancel(ctx context.Context, id types.JobID) (bool, error)
	// Claim atomically marks up to limit due jobs in flight, earliest first.
	// No job is ever handed to two callers.
	Claim(ctx context.Context, now time.Time, limit int) ([]*types.Job, error)
	// Complete marks an in-flight job completed.
	Complete(ctx context.Context, id types.JobID) (*types.Job, error)
	// Fail records a failed attempt and either reschedules the job with
	// backoff or marks it exhausted. The returned job's status says which.
	Fail(ctx context.Context, id types.JobID, cause string) (*types.Job, error)
	// RequeueStale returns jobs claimed more than olderThan ago to pending.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	// Release returns the named in-flight jobs to pending without counting an
	// attempt. It is for jobs claimed by this process that never ran.
	Release(ctx context.Context, ids ...types.JobID) (int, error)
	// Purge removes terminal jobs that fall outside the retention policy.
	Purge(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	Stats(ctx context.Context) (map[string]int, error)
	Close() error
}

// Checkpointer is implemented by queues that compact their log periodically.
type Checkpointer interface {
	Checkpoint() error
}

// Options are the retry and retention settings shared by both backends.
type Options struct {
	MaxAttempts int
	Backoff     types.Backoff
	Retention   types.Retention
	Now         func() time.Time
}

// DefaultOptions returns three attempts, 2s exponential backoff and the
// default retention windows.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: types.DefaultMaxAttempts,
		Backoff:     types.DefaultBackoff,
		Retention:   types.DefaultRetention,
		Now:         time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = d.Backoff.Type
	}
	if o.Retention == (types.Retention{}) {
		o.Retention = d.Retention
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// newJob builds a pending job for Enqueue.
func (o Options) newJob(id types.JobID, payload types.JobPayload, delay time.Duration) (types.Job, error) {
	if delay < 0 {
		return types.Job{}, ErrInvalidDelay
	}
	now := o.Now()
	return types.Job{
		ID:          id,
		Payload:     payload,
		Status:      types.StatusPending,
		RunAt:       now.Add(delay),
		MaxAttempts: o.MaxAttempts,
		Backoff:     o.Backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// JobExhaustedError describes a job whose attempts are all spent.
type JobExhaustedError struct {
	ID        types.JobID
	Attempts  int
	LastError string
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted after %d attempts: %s", e.ID, e.Attempts, e.LastError)
}

func (e *JobExhaustedError) Unwrap() error { return ErrJobExhausted }

// Exhausted returns a JobExhaustedError for job, or nil if it may still run.
func Exhausted(job *types.Job) error {
	if job == nil || job.Status != types.StatusExhausted {
		return nil
	}
	return &JobExhaustedError{ID: job.ID, Attempts: job.Attempt, LastError: job.LastError}
}
