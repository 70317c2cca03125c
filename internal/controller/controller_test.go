package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/internal/events"
	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (r *recordingSink) Publish(_ context.Context, e events.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) snapshot() []events.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.JobEvent(nil), r.events...)
}

func queueConfig(dir string) queue.FileConfig {
	return queue.FileConfig{
		WALPath:      filepath.Join(dir, "queue.wal"),
		SnapshotPath: filepath.Join(dir, "queue.json"),
	}
}

// openQueue opens a file queue with a 10ms backoff so retries run quickly.
func openQueue(t *testing.T, dir string) *queue.FileQueue {
	t.Helper()
	opts := queue.DefaultOptions()
	opts.Backoff = types.Backoff{Type: "exponential", Delay: 10 * time.Millisecond}
	q, err := queue.OpenFile(queueConfig(dir), opts, nil)
	require.NoError(t, err)
	return q
}

func testConfig() Config {
	return Config{
		Workers:      2,
		RateLimit:    100,
		TaskTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}
}

func enqueue(t *testing.T, q queue.Queue, postIDs ...string) {
	t.Helper()
	for _, id := range postIDs {
		payload := types.JobPayload{PostID: id, UserID: "u1", Platforms: []types.Platform{types.PlatformTwitter}}
		_, err := q.Enqueue(context.Background(), types.PostJobID(id), payload, 0)
		require.NoError(t, err)
	}
}

func status(t *testing.T, q queue.Queue, id string) types.JobStatus {
	t.Helper()
	job, err := q.Get(context.Background(), types.PostJobID(id))
	if err != nil {
		return ""
	}
	return job.Status
}

type failure struct{ results []types.PublishResult }

func (f *failure) Error() string                         { return "linkedin: down" }
func (f *failure) PublishResults() []types.PublishResult { return f.results }

// ============================================================================
// Tests
// ============================================================================

func TestControllerCompletesDueJobs(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	enqueue(t, q, "a", "b", "c")

	var calls atomic.Int32
	sink := &recordingSink{}
	c := New(testConfig(), q, func(ctx context.Context, job *types.Job) error {
		calls.Add(1)
		return nil
	}, sink, metrics.NewCollector(), nil)
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	require.Eventually(t, func() bool {
		return status(t, q, "a") == types.StatusCompleted &&
			status(t, q, "b") == types.StatusCompleted &&
			status(t, q, "c") == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 10*time.Millisecond)
	for _, e := range sink.snapshot() {
		assert.Equal(t, events.JobCompleted, e.Type)
		assert.Equal(t, 1, e.Attempt)
	}
	assert.True(t, c.Running())
}

func TestControllerRetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	enqueue(t, q, "p1")

	var calls atomic.Int32
	sink := &recordingSink{}
	failed := []types.PublishResult{{Platform: types.PlatformLinkedIn, Error: "LinkedIn API error: 503 busy"}}
	c := New(testConfig(), q, func(context.Context, *types.Job) error {
		calls.Add(1)
		return &failure{results: failed}
	}, sink, nil, nil)
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	require.Eventually(t, func() bool { return status(t, q, "p1") == types.StatusExhausted }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "a job runs at most max attempts times")

	got := sink.snapshot()
	assert.Equal(t, events.JobRetryScheduled, got[0].Type)
	assert.Equal(t, 1, got[0].Attempt)
	require.NotNil(t, got[0].NextRunAt)
	assert.Equal(t, events.JobRetryScheduled, got[1].Type)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, events.JobExhausted, got[2].Type)
	assert.Equal(t, 3, got[2].Attempt)
	assert.Equal(t, "linkedin: down", got[2].Error)
	assert.Equal(t, failed, got[2].Results)

	job, err := q.Get(ctx, types.PostJobID("p1"))
	require.NoError(t, err)
	assert.ErrorIs(t, queue.Exhausted(job), queue.ErrJobExhausted)
}

func TestControllerRecoversPanickingHandler(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	enqueue(t, q, "boom")

	var calls atomic.Int32
	sink := &recordingSink{}
	c := New(testConfig(), q, func(context.Context, *types.Job) error {
		if calls.Add(1) == 1 {
			panic("nil account")
		}
		return nil
	}, sink, nil, nil)
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	require.Eventually(t, func() bool { return status(t, q, "boom") == types.StatusCompleted }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	got := sink.snapshot()
	assert.Equal(t, events.JobRetryScheduled, got[0].Type)
	assert.Contains(t, got[0].Error, "handler panic: nil account")
	assert.Equal(t, events.JobCompleted, got[1].Type)
	assert.Equal(t, 2, got[1].Attempt)
}

func TestDequeueDueHoldsSlotUntilReleased(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer q.Close()
	enqueue(t, q, "a", "b", "c")

	cfg := testConfig()
	c := New(cfg, q, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan *types.Job, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for job := range c.DequeueDue(ctx) {
			got <- job
		}
	}()

	first, second := <-got, <-got
	assert.Equal(t, types.StatusInFlight, first.Status)
	assert.NotEqual(t, first.ID, second.ID)
	select {
	case job := <-got:
		t.Fatalf("claimed %s with every slot taken", job.ID)
	case <-time.After(100 * time.Millisecond):
	}

	c.release()
	select {
	case job := <-got:
		assert.Equal(t, types.StatusInFlight, job.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no job after a slot was released")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sequence did not end after cancel")
	}
}

func TestDequeueDueIsRateLimited(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer q.Close()
	enqueue(t, q, "a", "b", "c", "d")

	// burst of 2, then one every 100ms
	c := New(Config{Workers: 10, RateLimit: 2, RateWindow: 200 * time.Millisecond, PollInterval: 10 * time.Millisecond}, q, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	n := 0
	for range c.DequeueDue(ctx) {
		n++
		if n == 4 {
			break
		}
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestStopDrainsAndRequeuesUnstarted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openQueue(t, dir)
	enqueue(t, q, "a", "b", "c")

	running := make(chan struct{}, 3)
	release := make(chan struct{})
	cfg := testConfig()
	cfg.Workers = 1
	c := New(cfg, q, func(context.Context, *types.Job) error {
		running <- struct{}{}
		<-release
		return nil
	}, nil, nil, nil)
	require.NoError(t, c.Start(ctx))

	<-running
	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)
	assert.False(t, c.Running())

	reopened := openQueue(t, dir)
	defer reopened.Close()
	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["completed"], "the running job finished")
	assert.Equal(t, 2, stats["pending"])
	assert.Equal(t, 0, stats["in_flight"])
}

func TestSharedStopReleasesOnlyItsOwnJobs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openQueue(t, dir)

	// claimed by another consumer of the shared queue
	enqueue(t, q, "foreign")
	_, err := q.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	enqueue(t, q, "a", "b", "c")

	running := make(chan struct{}, 3)
	release := make(chan struct{})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.Shared = true
	c := New(cfg, q, func(context.Context, *types.Job) error {
		running <- struct{}{}
		<-release
		return nil
	}, nil, nil, nil)
	// room for one running job, one buffered task and one blocked submit
	c.slots = make(chan struct{}, 3)
	require.NoError(t, c.Start(ctx))

	<-running
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats["in_flight"] == 4
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	reopened := openQueue(t, dir)
	defer reopened.Close()
	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 2, stats["pending"], "unstarted and unsubmitted jobs are released")
	assert.Equal(t, types.StatusInFlight, status(t, reopened, "foreign"), "another consumer's lease is kept")

	for _, id := range []string{"b", "c"} {
		job, err := reopened.Get(ctx, types.PostJobID(id))
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, job.Status)
		assert.Zero(t, job.Attempt, "release does not count an attempt")
	}
}

func TestStartRequeuesJobsLeftInFlight(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	enqueue(t, q, "orphan")
	claimed, err := q.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	c := New(testConfig(), q, func(context.Context, *types.Job) error { return nil }, nil, nil, nil)
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	require.Eventually(t, func() bool { return status(t, q, "orphan") == types.StatusCompleted }, 5*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	c := New(testConfig(), q, func(context.Context, *types.Job) error { return nil }, nil, nil, nil)
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrStarted)

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrStopped)

	_, err := q.Enqueue(ctx, "post-x", types.JobPayload{PostID: "x"}, 0)
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestSweepPurgesAndRunsCleanups(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	defer q.Close()
	enqueue(t, q, "done")
	_, err := q.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	_, err = q.Complete(ctx, types.PostJobID("done"))
	require.NoError(t, err)

	c := New(testConfig(), q, nil, nil, nil, nil)
	c.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	var cleaned atomic.Int32
	c.OnJanitor("trends", func(context.Context) (int, error) {
		cleaned.Add(1)
		return 4, nil
	})
	c.OnJanitor("broken", func(context.Context) (int, error) {
		return 0, errors.New("db locked")
	})
	c.sweep(ctx)

	assert.Equal(t, int32(1), cleaned.Load())
	_, err = q.Get(ctx, types.PostJobID("done"))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir())
	defer q.Close()
	enqueue(t, q, "a")

	c := New(testConfig(), q, func(context.Context, *types.Job) error { return nil }, nil, nil, nil)
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, st["running"])
	assert.Equal(t, 2, st["workers"])
	assert.Equal(t, 0, st["active_workers"])
	assert.Equal(t, 1, st["pending"])

	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, st["running"])
	assert.Equal(t, 2, st["active_workers"])
}
