package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/postpilot/internal/jobmanager"
	"github.com/ChuLiYu/postpilot/internal/snapshot"
	"github.com/ChuLiYu/postpilot/internal/storage/wal"
	"github.com/ChuLiYu/postpilot/pkg/types"
)

// FileConfig locates the file-backed queue's durable state.
type FileConfig struct {
	WALPath      string
	SnapshotPath string
	WAL          wal.Options
}

// FileQueue keeps job state in memory and makes every change durable through
// the WAL before returning. Recovery loads the last snapshot and replays the
// WAL records written after it.
type FileQueue struct {
	mu       sync.Mutex // serialises a state change with its WAL record
	jobs     *jobmanager.JobManager
	wal      *wal.WAL
	snapshot *snapshot.Manager
	opts     Options
	log      *slog.Logger
	closed   bool

	recovery time.Duration
}

// OpenFile opens (or creates) a file-backed queue and restores its state.
func OpenFile(cfg FileConfig, opts Options, logger *slog.Logger) (*FileQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range []string{cfg.WALPath, cfg.SnapshotPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	start := time.Now()
	q := &FileQueue{
		jobs:     jobmanager.NewJobManager(),
		snapshot: snapshot.NewManager(cfg.SnapshotPath),
		opts:     opts.withDefaults(),
		log:      logger,
	}

	data, err := q.snapshot.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	q.jobs.Restore(data)

	q.wal, err = wal.NewWAL(cfg.WALPath, cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	q.wal.AdvanceSeq(data.LastSeq)

	replayed, err := q.wal.Replay(data.LastSeq, func(event wal.Event) error {
		if event.Type.Removes() {
			q.jobs.Delete(event.JobID)
			return nil
		}
		if event.Job == nil {
			return fmt.Errorf("%s event for %s has no job", event.Type, event.JobID)
		}
		q.jobs.Apply(*event.Job)
		return nil
	})
	if err != nil {
		q.wal.Close()
		return nil, fmt.Errorf("replay WAL: %w", err)
	}

	q.recovery = time.Since(start)
	attrs := []any{
		"snapshot", q.snapshot.Exists(),
		"snapshot_jobs", len(data.Jobs),
		"wal_events", replayed,
		"duration", q.recovery,
	}
	if next, ok := q.jobs.NextRunAt(); ok {
		attrs = append(attrs, "next_due", next)
	}
	q.log.Info("queue recovered", attrs...)
	return q, nil
}

// RecoveryTime is how long OpenFile spent restoring state.
func (q *FileQueue) RecoveryTime() time.Duration { return q.recovery }

func (q *FileQueue) Enqueue(_ context.Context, id types.JobID, payload types.JobPayload, delay time.Duration) (*types.Job, error) {
	job, err := q.opts.newJob(id, payload, delay)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	prev := q.jobs.GetJob(id)
	if err := q.jobs.Enqueue(job); err != nil {
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
		return nil, err
	}
	if err := q.wal.Append(wal.EventEnqueue, job, true); err != nil {
		q.restore(id, prev)
		return nil, fmt.Errorf("append %s: %w", wal.EventEnqueue, err)
	}
	return job.Clone(), nil
}

func (q *FileQueue) Cancel(_ context.Context, id types.JobID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	prev := q.jobs.GetJob(id)
	if !q.jobs.Cancel(id) {
		return false, nil
	}
	if err := q.wal.Append(wal.EventCancel, *prev, true); err != nil {
		q.restore(id, prev)
		return false, fmt.Errorf("append %s: %w", wal.EventCancel, err)
	}
	return true, nil
}

func (q *FileQueue) Claim(_ context.Context, now time.Time, limit int) ([]*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	jobs := q.jobs.PopDue(now, q.opts.Now(), limit)
	for i, job := range jobs {
		if err := q.wal.Append(wal.EventDispatch, *job, i == len(jobs)-1); err != nil {
			// a failed flush drops the whole unflushed batch, so hand out nothing
			for _, j := range jobs {
				j.Status = types.StatusPending
				q.jobs.Apply(*j)
			}
			q.log.Error("claim rolled back by WAL failure", "jobs", len(jobs), "error", err)
			return nil, fmt.Errorf("append %s: %w", wal.EventDispatch, err)
		}
	}
	return jobs, nil
}

func (q *FileQueue) Complete(_ context.Context, id types.JobID) (*types.Job, error) {
	return q.transition(id, func(now time.Time) (*types.Job, wal.EventType, error) {
		job, err := q.jobs.MarkCompleted(id, now)
		return job, wal.EventAck, err
	})
}

func (q *FileQueue) Fail(_ context.Context, id types.JobID, cause string) (*types.Job, error) {
	return q.transition(id, func(now time.Time) (*types.Job, wal.EventType, error) {
		job, err := q.jobs.MarkFailed(id, cause, now)
		if err != nil {
			return nil, "", err
		}
		if job.Status == types.StatusExhausted {
			return job, wal.EventDead, nil
		}
		return job, wal.EventRetry, nil
	})
}

// transition applies change under the queue lock and logs the resulting job
// state, restoring the previous state if the WAL write fails.
func (q *FileQueue) transition(id types.JobID, change func(time.Time) (*types.Job, wal.EventType, error)) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	prev := q.jobs.GetJob(id)
	job, eventType, err := change(q.opts.Now())
	if err != nil {
		return nil, mapManagerErr(err, id)
	}
	if err := q.wal.Append(eventType, *job, true); err != nil {
		q.restore(id, prev)
		return nil, fmt.Errorf("append %s: %w", eventType, err)
	}
	return job, nil
}

func (q *FileQueue) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	jobs := q.jobs.RequeueInFlight(q.opts.Now(), olderThan)
	for _, job := range jobs {
		if err := q.wal.Append(wal.EventRequeue, *job, false); err != nil {
			return 0, fmt.Errorf("append %s: %w", wal.EventRequeue, err)
		}
	}
	if err := q.wal.Flush(); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (q *FileQueue) Release(_ context.Context, ids ...types.JobID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	jobs := q.jobs.Release(ids, q.opts.Now())
	for _, job := range jobs {
		if err := q.wal.Append(wal.EventRequeue, *job, false); err != nil {
			return 0, fmt.Errorf("append %s: %w", wal.EventRequeue, err)
		}
	}
	if err := q.wal.Flush(); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (q *FileQueue) Purge(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	removed := q.jobs.Purge(now, q.opts.Retention)
	for _, id := range removed {
		if err := q.wal.Append(wal.EventPurge, types.Job{ID: id}, false); err != nil {
			return 0, fmt.Errorf("append %s: %w", wal.EventPurge, err)
		}
	}
	if err := q.wal.Flush(); err != nil {
		return 0, err
	}
	return len(removed), nil
}

func (q *FileQueue) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	job := q.jobs.GetJob(id)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (q *FileQueue) Stats(context.Context) (map[string]int, error) {
	return q.jobs.Stats(), nil
}

// Checkpoint writes a snapshot covering every logged event, then starts a
// fresh WAL segment.
func (q *FileQueue) Checkpoint() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return q.checkpointLocked()
}

func (q *FileQueue) checkpointLocked() error {
	if err := q.wal.Flush(); err != nil {
		return err
	}
	data := q.jobs.Snapshot()
	data.LastSeq = q.wal.LastSeq()
	if err := q.snapshot.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := q.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate WAL: %w", err)
	}
	q.log.Debug("queue checkpoint", "jobs", len(data.Jobs), "last_seq", data.LastSeq)
	return nil
}

// Close takes a final snapshot and closes the WAL.
func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	cpErr := q.checkpointLocked()
	if err := q.wal.Close(); err != nil {
		return err
	}
	return cpErr
}

func (q *FileQueue) restore(id types.JobID, prev *types.Job) {
	if prev == nil {
		q.jobs.Delete(id)
		return
	}
	q.jobs.Apply(*prev)
}

func mapManagerErr(err error, id types.JobID) error {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case errors.Is(err, jobmanager.ErrNotInFlight):
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	return err
}
