// ============================================================================
// postpilot recovery tests
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
//
// TestEndToEndPublishing:
//   full post lifecycle through the real wiring
//   - 20 posts scheduled for Twitter and LinkedIn
//   - every first tweet is rejected with 503, forcing one retry per post
//   - all posts end as posted, all jobs completed
//
// TestCrashRecovery:
//   - jobs are claimed (in flight) and the process "crashes" before any
//     result is recorded
//   - a fresh process replays the WAL, requeues the in-flight jobs and
//     publishes every post, within the 3 second recovery target
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndPublishing(t *testing.T) {
	ctx := context.Background()
	api := newFakePlatforms(t, true)
	app := openApp(t, writeConfig(t, t.TempDir(), api))
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ids := seedPosts(t, app, "u1", 20, types.PlatformTwitter, types.PlatformLinkedIn)
	require.NoError(t, app.Controller.Start(ctx))

	for _, id := range ids {
		_, err := app.Scheduler.SchedulePost(ctx, id, time.Now().Add(50*time.Millisecond), []types.Platform{types.PlatformTwitter, types.PlatformLinkedIn}, "u1")
		require.NoError(t, err)
	}

	require.True(t, waitForStatus(t, app, ids, types.PostPosted, 10*time.Second), "every post should be published")

	stats, err := app.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ids), stats[string(types.StatusCompleted)])
	assert.Zero(t, stats[string(types.StatusExhausted)])

	assert.EqualValues(t, len(ids), api.tweets.Load())
	// the whole job is retried, so LinkedIn sees every post twice
	assert.EqualValues(t, 2*len(ids), api.shares.Load())

	detail, err := app.Scheduler.GetPost(ctx, ids[0], "u1")
	require.NoError(t, err)
	require.Len(t, detail.Results, 2)
	for _, r := range detail.Results {
		assert.True(t, r.Success, "latest attempt for %s", r.Platform)
	}
	assert.Equal(t, 1, detail.Job.Attempt, "one failed attempt before the retry succeeded")
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	api := newFakePlatforms(t, false)
	config := writeConfig(t, dir, api)

	// first process: schedule, claim, crash
	app := openApp(t, config)
	ids := seedPosts(t, app, "u1", 50, types.PlatformTwitter)
	for _, id := range ids {
		_, err := app.Scheduler.SchedulePost(ctx, id, time.Now().Add(time.Millisecond), []types.Platform{types.PlatformTwitter}, "u1")
		require.NoError(t, err)
	}
	claimed, err := app.Queue.Claim(ctx, time.Now().Add(time.Hour), 30)
	require.NoError(t, err)
	require.Len(t, claimed, 30)
	// never started, so Close leaves in-flight jobs as they are
	require.NoError(t, app.Close(ctx))

	// second process
	start := time.Now()
	app = openApp(t, config)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	stats, err := app.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, stats[string(types.StatusInFlight)], "in-flight state survives the crash")
	assert.Equal(t, 20, stats[string(types.StatusPending)])

	require.NoError(t, app.Controller.Start(ctx))
	recovery := time.Since(start)
	t.Logf("recovery took %s", recovery)
	assert.Less(t, recovery, 3*time.Second)
	if fq, ok := app.Queue.(*queue.FileQueue); ok {
		assert.Less(t, fq.RecoveryTime(), 3*time.Second)
	}

	require.True(t, waitForStatus(t, app, ids, types.PostPosted, 10*time.Second), "recovered jobs should all publish")
	assert.EqualValues(t, len(ids), api.tweets.Load(), "no post is lost or published twice")
}
