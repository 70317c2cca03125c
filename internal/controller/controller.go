// ============================================================================
// postpilot Controller - consumer runtime for the publish queue
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The controller drives a queue.Queue through a worker.Pool:
//
//   1. Dispatch Loop   - ranges over DequeueDue and submits jobs to the pool
//   2. Result Loop     - reports each outcome to the queue (Complete / Fail)
//                        and emits a job event
//   3. Janitor Loop    - purges expired terminal jobs, reclaims stale leases
//                        and runs registered cleanup tasks
//   4. Checkpoint Loop - compacts queues that implement queue.Checkpointer
//
// Recovery on Start: every job left in flight by a previous process goes
// back to pending before the first claim.
//
// Shutdown on Stop: stop claiming, let running tasks finish, requeue the
// ones that never started, wait for the loops, then close the queue.
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/postpilot/internal/events"
	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/internal/worker"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"golang.org/x/time/rate"
)

var (
	// ErrStarted means Start was called more than once.
	ErrStarted = errors.New("controller already started")
	// ErrStopped means the controller cannot be restarted.
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the consumer. Zero fields take the defaults below.
type Config struct {
	Workers            int           // concurrent jobs (5)
	RateLimit          int           // dequeues per RateWindow (10)
	RateWindow         time.Duration // 1s
	TaskTimeout        time.Duration // per job (30s)
	PollInterval       time.Duration // idle wait between empty claims (500ms)
	JanitorInterval    time.Duration // 1m
	CheckpointInterval time.Duration // 30s
	StaleAfter         time.Duration // in-flight age before reclaim (5m)

	// Shared marks a queue other consumers claim from too. Recovery on Start
	// and Stop then only touches jobs older than StaleAfter.
	Shared bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Workers:            5,
		RateLimit:          10,
		RateWindow:         time.Second,
		TaskTimeout:        30 * time.Second,
		PollInterval:       500 * time.Millisecond,
		JanitorInterval:    time.Minute,
		CheckpointInterval: 30 * time.Second,
		StaleAfter:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// CleanupFunc is a periodic janitor task. It returns how many items it removed.
type CleanupFunc func(ctx context.Context) (int, error)

// ============================================================================
// Controller
// ============================================================================

type Controller struct {
	cfg     Config
	queue   queue.Queue
	pool    *worker.Pool
	events  events.Sink
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	limiter *rate.Limiter
	slots   chan struct{} // one entry per job between claim and result

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	cleanups map[string]CleanupFunc
	orphans  []types.JobID // claimed, never submitted
}

// New builds a controller that runs handler for every due job in q.
func New(cfg Config, q queue.Queue, handler worker.Handler, sink events.Sink, m *metrics.Collector, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	every := rate.Every(cfg.RateWindow / time.Duration(cfg.RateLimit))
	return &Controller{
		cfg:      cfg,
		queue:    q,
		pool:     worker.NewPool(cfg.Workers, handler, logger),
		events:   sink,
		metrics:  m,
		log:      logger,
		now:      time.Now,
		limiter:  rate.NewLimiter(every, cfg.RateLimit),
		slots:    make(chan struct{}, cfg.Workers),
		cleanups: map[string]CleanupFunc{},
	}
}

// OnJanitor registers a task the janitor loop runs after each purge. It must
// be called before Start.
func (c *Controller) OnJanitor(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups[name] = fn
}

// Start recovers in-flight jobs, starts the workers and launches the loops.
// The loops stop claiming when ctx is cancelled; Stop is still required to
// release the queue.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrStarted
	}

	start := time.Now()
	requeued, err := c.queue.RequeueStale(ctx, c.recoverAge())
	if err != nil {
		return fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	recovery := time.Since(start)
	if r, ok := c.queue.(interface{ RecoveryTime() time.Duration }); ok {
		recovery += r.RecoveryTime()
	}
	c.metrics.SetRecoveryTime(recovery)
	c.log.Info("recovery completed", "duration", recovery, "requeued_jobs", requeued)

	if err := c.pool.Start(c.cfg.Workers); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.loopWg.Add(3)
	go c.dispatchLoop(loopCtx)
	go c.resultLoop(context.WithoutCancel(ctx))
	go c.janitorLoop(loopCtx)
	if cp, ok := c.queue.(queue.Checkpointer); ok {
		c.loopWg.Add(1)
		go c.checkpointLoop(loopCtx, cp)
	}

	c.log.Info("controller started", "workers", c.cfg.Workers, "rate_limit", c.cfg.RateLimit)
	return nil
}

// DequeueDue yields due jobs one at a time, earliest first. A job is only
// claimed once a worker slot is free and the rate limiter allows it. The
// slot stays taken until the job's result is handled. The sequence ends when
// ctx is done or the queue is closed.
func (c *Controller) DequeueDue(ctx context.Context) iter.Seq[*types.Job] {
	return func(yield func(*types.Job) bool) {
		idle := time.NewTimer(0)
		defer idle.Stop()
		<-idle.C

		for {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if err := c.limiter.Wait(ctx); err != nil {
				c.release()
				return
			}

			jobs, err := c.queue.Claim(ctx, c.now(), 1)
			if err != nil || len(jobs) == 0 {
				c.release()
				if errors.Is(err, queue.ErrClosed) {
					return
				}
				if err != nil && ctx.Err() == nil {
					c.log.Error("claim due jobs", "error", err)
				}
				idle.Reset(c.cfg.PollInterval)
				select {
				case <-idle.C:
					continue
				case <-ctx.Done():
					return
				}
			}

			if !yield(jobs[0]) {
				return
			}
		}
	}
}

// recoverAge is the in-flight age that counts as abandoned when no worker of
// this process can be running the job.
func (c *Controller) recoverAge() time.Duration {
	if c.cfg.Shared {
		return c.cfg.StaleAfter
	}
	return 0
}

func (c *Controller) release() {
	select {
	case <-c.slots:
	default:
	}
}

// ============================================================================
// Loops
// ============================================================================

func (c *Controller) dispatchLoop(ctx context.Context) {
	defer c.loopWg.Done()

	for job := range c.DequeueDue(ctx) {
		c.metrics.RecordDispatch()
		c.log.Debug("job dispatched", "job_id", job.ID, "post_id", job.Payload.PostID, "attempt", job.Attempt+1)

		if err := c.pool.Submit(worker.Task{Job: job, Timeout: c.cfg.TaskTimeout}); err != nil {
			// the job stays in flight and is released by Stop
			c.mu.Lock()
			c.orphans = append(c.orphans, job.ID)
			c.mu.Unlock()
			c.release()
			if !errors.Is(err, worker.ErrPoolClosed) {
				c.log.Error("submit job", "job_id", job.ID, "error", err)
			}
			break
		}
	}
	c.log.Info("dispatch loop stopped")
}

// resultLoop runs until the pool closes its result channel, so results of
// jobs finishing during Stop are still recorded.
func (c *Controller) resultLoop(ctx context.Context) {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			c.log.Info("result loop stopped")
			return
		}
		c.handleResult(ctx, result)
		c.release()
	}
}

// publishResults is implemented by handler errors that carry per-platform
// outcomes.
type publishResults interface {
	PublishResults() []types.PublishResult
}

func (c *Controller) handleResult(ctx context.Context, result worker.Result) {
	event := events.JobEvent{JobID: result.JobID, PostID: result.Job.Payload.PostID}

	if result.Success {
		job, err := c.queue.Complete(ctx, result.JobID)
		if err != nil {
			c.log.Error("complete job", "job_id", result.JobID, "error", err)
			return
		}
		c.metrics.RecordCompleted(result.Duration)
		event.Type = events.JobCompleted
		event.Attempt = job.Attempt + 1
		c.log.Info("job completed", "job_id", job.ID, "post_id", event.PostID, "duration", result.Duration)
		c.emit(ctx, event)
		c.refreshStats(ctx)
		return
	}

	cause := "unknown error"
	if result.Error != nil {
		cause = result.Error.Error()
	}
	var pr publishResults
	if errors.As(result.Error, &pr) {
		event.Results = pr.PublishResults()
	}

	job, err := c.queue.Fail(ctx, result.JobID, cause)
	if err != nil {
		c.log.Error("fail job", "job_id", result.JobID, "error", err)
		return
	}
	event.Attempt = job.Attempt
	event.Error = cause

	if job.Status == types.StatusExhausted {
		c.metrics.RecordExhausted(result.Duration)
		event.Type = events.JobExhausted
		c.log.Warn("job exhausted", "job_id", job.ID, "post_id", event.PostID, "error", queue.Exhausted(job))
	} else {
		c.metrics.RecordRetry(result.Duration)
		next := job.RunAt
		event.Type = events.JobRetryScheduled
		event.NextRunAt = &next
		c.log.Info("job retry scheduled", "job_id", job.ID, "post_id", event.PostID,
			"attempt", job.Attempt, "next_run_at", next, "error", cause)
	}
	c.emit(ctx, event)
	c.refreshStats(ctx)
}

func (c *Controller) janitorLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("janitor loop stopped")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one janitor pass.
func (c *Controller) sweep(ctx context.Context) {
	if n, err := c.queue.Purge(ctx, c.now()); err != nil {
		c.log.Error("purge jobs", "error", err)
	} else if n > 0 {
		c.log.Info("purged terminal jobs", "count", n)
	}

	if n, err := c.queue.RequeueStale(ctx, c.cfg.StaleAfter); err != nil {
		c.log.Error("requeue stale jobs", "error", err)
	} else if n > 0 {
		c.log.Warn("requeued stale jobs", "count", n, "older_than", c.cfg.StaleAfter)
	}

	c.mu.Lock()
	cleanups := make(map[string]CleanupFunc, len(c.cleanups))
	for name, fn := range c.cleanups {
		cleanups[name] = fn
	}
	c.mu.Unlock()
	for name, fn := range cleanups {
		n, err := fn(ctx)
		if err != nil {
			c.log.Error("janitor task", "task", name, "error", err)
			continue
		}
		if n > 0 {
			c.log.Info("janitor task", "task", name, "removed", n)
		}
	}

	c.refreshStats(ctx)
}

func (c *Controller) checkpointLoop(ctx context.Context, cp queue.Checkpointer) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("checkpoint loop stopped")
			return
		case <-ticker.C:
			if err := cp.Checkpoint(); err != nil && !errors.Is(err, queue.ErrClosed) {
				c.log.Error("queue checkpoint", "error", err)
			}
		}
	}
}

func (c *Controller) emit(ctx context.Context, e events.JobEvent) {
	e.At = c.now().UTC()
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.Warn("publish job event", "type", e.Type, "job_id", e.JobID, "error", err)
	}
}

func (c *Controller) refreshStats(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return
	}
	c.metrics.UpdateQueueStats(stats[string(types.StatusPending)], stats[string(types.StatusInFlight)])
}

// ============================================================================
// Status and shutdown
// ============================================================================

// Status reports queue counts and controller settings.
func (c *Controller) Status(ctx context.Context) (map[string]any, error) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	running := c.started && !c.stopped
	c.mu.Unlock()

	status := map[string]any{
		"running":        running,
		"workers":        c.cfg.Workers,
		"active_workers": c.pool.GetWorkerCount(),
		"rate_limit":     c.cfg.RateLimit,
	}
	for k, v := range stats {
		status[k] = v
	}
	return status, nil
}

// Running reports whether the controller is between Start and Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// Stop shuts the consumer down and closes the queue. Later calls do nothing.
//
// Order matters: claiming stops first, then the pool finishes running tasks
// while the result loop records their outcomes. Jobs claimed but never
// started are released by id before the queue is closed; an unshared queue
// also sweeps every remaining in-flight job.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("stopping controller")
	var errs []error
	if started {
		c.cancel()
		unstarted := c.pool.Stop()
		c.loopWg.Wait()

		c.mu.Lock()
		ids := c.orphans
		c.orphans = nil
		c.mu.Unlock()
		for _, task := range unstarted {
			ids = append(ids, task.Job.ID)
		}

		n, err := c.queue.Release(ctx, ids...)
		if err != nil {
			errs = append(errs, fmt.Errorf("release unstarted jobs: %w", err))
		}
		if !c.cfg.Shared {
			swept, err := c.queue.RequeueStale(ctx, 0)
			if err != nil {
				errs = append(errs, fmt.Errorf("requeue in-flight jobs: %w", err))
			}
			n += swept
		}
		c.log.Info("workers drained", "unstarted", len(ids), "requeued", n)
	}

	if err := c.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	c.log.Info("controller stopped")
	return errors.Join(errs...)
}
