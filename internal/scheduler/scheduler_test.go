package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/internal/dispatcher"
	"github.com/ChuLiYu/postpilot/internal/events"
	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/platform"
	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	platform types.Platform
	fail     string
}

func (p *stubPublisher) Platform() types.Platform { return p.platform }

func (p *stubPublisher) Publish(_ context.Context, _ *types.Post, account *types.SocialAccount) types.PublishResult {
	if p.fail != "" {
		return types.PublishResult{Platform: p.platform, Error: p.fail}
	}
	return types.PublishResult{Platform: p.platform, Success: true, PlatformPostID: "id-" + account.AccountID}
}

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

func (r *recordingSink) kinds() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// failingStatusStore rejects every status update.
type failingStatusStore struct {
	*store.Store
}

func (failingStatusStore) UpdateStatus(context.Context, string, types.PostStatus, store.StatusUpdate) (*types.Post, error) {
	return nil, errors.New("disk full")
}

// publishedFirstStore publishes the post just before the scheduled status
// write, the way a dispatcher running an immediately due job would.
type publishedFirstStore struct {
	*store.Store
}

func (s publishedFirstStore) UpdateStatus(ctx context.Context, id string, to types.PostStatus, u store.StatusUpdate) (*types.Post, error) {
	if to == types.PostScheduled {
		posted := time.Now().UTC()
		if _, err := s.Store.UpdateStatus(ctx, id, types.PostPosted, store.StatusUpdate{PostedAt: &posted}); err != nil {
			return nil, err
		}
	}
	return s.Store.UpdateStatus(ctx, id, to, u)
}

type fixture struct {
	svc      *Service
	store    *store.Store
	queue    *queue.FileQueue
	sink     *recordingSink
	linkedin *stubPublisher
	now      time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenSQLite(filepath.Join(dir, "posts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, sink: &recordingSink{}, now: time.Now().UTC()}
	opts := queue.DefaultOptions()
	opts.Now = func() time.Time { return f.now }
	f.queue, err = queue.OpenFile(queue.FileConfig{
		WALPath:      filepath.Join(dir, "queue.wal"),
		SnapshotPath: filepath.Join(dir, "queue.json"),
	}, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.queue.Close() })

	f.linkedin = &stubPublisher{platform: types.PlatformLinkedIn}
	registry := platform.NewRegistry(&stubPublisher{platform: types.PlatformTwitter}, f.linkedin)
	m := metrics.NewCollector()

	f.svc = New(Deps{
		Posts:     s,
		Accounts:  s,
		Queue:     f.queue,
		Publisher: dispatcher.New(s, s, registry, m, nil),
		Events:    f.sink,
		Metrics:   m,
	})
	f.svc.now = func() time.Time { return f.now }

	ctx := context.Background()
	for _, p := range []types.Platform{types.PlatformTwitter, types.PlatformLinkedIn} {
		require.NoError(t, f.svc.LinkAccount(ctx, &types.SocialAccount{UserID: "u1", Platform: p, AccountID: "acct", AccessToken: "tok"}))
	}
	return f
}

var both = []types.Platform{types.PlatformTwitter, types.PlatformLinkedIn}

func (f *fixture) draft(t *testing.T) *types.Post {
	t.Helper()
	post, err := f.svc.CreatePost(context.Background(), "u1", "Launch day #Go #go", "", both)
	require.NoError(t, err)
	return post
}

func TestScheduleThenCancelReturnsPostToDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)

	at := f.now.Add(time.Hour)
	jobID, err := f.svc.SchedulePost(ctx, post.ID, at, both, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.JobID("post-"+post.ID), jobID)

	got, err := f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostScheduled, got.Status)
	require.NotNil(t, got.ScheduledFor)
	assert.WithinDuration(t, at, *got.ScheduledFor, time.Microsecond)

	job, err := f.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, at.Equal(job.RunAt))
	assert.Equal(t, 3, job.MaxAttempts)

	ok, err := f.svc.CancelScheduledPost(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostDraft, got.Status)
	assert.Nil(t, got.ScheduledFor)
	assert.Equal(t, []events.Type{events.JobScheduled, events.JobCancelled}, f.sink.kinds())
}

func TestScheduleTwiceIsDuplicate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)

	_, err := f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Hour), both, "u1")
	require.NoError(t, err)
	_, err = f.svc.SchedulePost(ctx, post.ID, f.now.Add(2*time.Hour), both, "u1")
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)
}

func TestScheduleRejectsPastTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)

	for _, at := range []time.Time{f.now, f.now.Add(-time.Minute)} {
		_, err := f.svc.SchedulePost(ctx, post.ID, at, both, "u1")
		var schedErr *InvalidScheduleError
		require.ErrorAs(t, err, &schedErr)
		assert.ErrorIs(t, err, ErrValidation)
	}

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["pending"])

	got, err := f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostDraft, got.Status)
}

func TestScheduleValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)
	at := f.now.Add(time.Hour)

	tests := []struct {
		name      string
		postID    string
		platforms []types.Platform
		user      string
		want      error
	}{
		{"no platforms", post.ID, nil, "u1", ErrValidation},
		{"unknown platform", post.ID, []types.Platform{"myspace"}, "u1", ErrValidation},
		{"repeated platform", post.ID, []types.Platform{types.PlatformTwitter, types.PlatformTwitter}, "u1", ErrValidation},
		{"missing user", post.ID, both, "", ErrMissingUser},
		{"other owner", post.ID, both, "u2", ErrUnauthorized},
		{"unknown post", "nope", both, "u1", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SchedulePost(ctx, tt.postID, at, tt.platforms, tt.user)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["pending"])
}

func TestScheduleCancelsJobWhenStatusWriteFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)
	f.svc.posts = failingStatusStore{f.store}

	_, err := f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Hour), both, "u1")
	assert.ErrorContains(t, err, "disk full")

	_, err = f.queue.Get(ctx, types.PostJobID(post.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestScheduleWhenJobPublishesFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)
	f.svc.posts = publishedFirstStore{f.store}

	jobID, err := f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Second), both, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PostJobID(post.ID), jobID)

	got, err := f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostPosted, got.Status, "published status is not overwritten")

	_, err = f.queue.Get(ctx, jobID)
	assert.NoError(t, err, "job is kept")
}

func TestCancelWithoutJobIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)

	ok, err := f.svc.CancelScheduledPost(ctx, post.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.sink.kinds())

	_, err = f.svc.CancelScheduledPost(ctx, post.ID, "u2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPublishNowAllPlatformsSucceed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)

	result, err := f.svc.PublishPostNow(ctx, post.ID, both, "u1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.Results, 2)

	got, err := f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostPosted, got.Status)
	assert.NotNil(t, got.PostedAt)

	_, err = f.svc.PublishPostNow(ctx, post.ID, both, "u1")
	assert.ErrorIs(t, err, ErrValidation, "already published")
	_, err = f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Hour), both, "u1")
	assert.ErrorIs(t, err, ErrValidation, "posted posts cannot be rescheduled")
}

func TestPublishNowPartialFailureKeepsSuccessfulResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)
	f.linkedin.fail = "LinkedIn API error: 500 boom"

	result, err := f.svc.PublishPostNow(ctx, post.ID, nil, "u1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Results, 2)
	assert.Equal(t, types.PlatformTwitter, result.Results[0].Platform)
	assert.True(t, result.Results[0].Success)
	assert.Equal(t, "LinkedIn API error: 500 boom", result.Results[1].Error)

	got, err := f.store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PostFailed, got.Status)
	assert.Nil(t, got.PostedAt)

	// a failed post may be rescheduled
	_, err = f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Hour), both, "u1")
	require.NoError(t, err)

	detail, err := f.svc.GetPost(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PostScheduled, detail.Post.Status)
	require.Len(t, detail.Results, 2)
	require.NotNil(t, detail.Job)
	assert.Equal(t, types.StatusPending, detail.Job.Status)
}

func TestCreateAndListPosts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	post := f.draft(t)
	assert.Equal(t, []string{"#go"}, post.Hashtags)
	assert.Equal(t, types.PostDraft, post.Status)

	_, err := f.svc.CreatePost(ctx, "u1", strings.Repeat("a", 281), "", []types.Platform{types.PlatformTwitter})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreatePost(ctx, "u1", strings.Repeat("a", 281), "", []types.Platform{types.PlatformLinkedIn})
	assert.NoError(t, err)
	_, err = f.svc.CreatePost(ctx, "u1", "  ", "", both)
	assert.ErrorIs(t, err, ErrValidation)

	all, err := f.svc.ListPosts(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.SchedulePost(ctx, post.ID, f.now.Add(time.Hour), both, "u1")
	require.NoError(t, err)
	scheduled, err := f.svc.ListPosts(ctx, "u1", types.PostScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, post.ID, scheduled[0].ID)

	_, err = f.svc.ListPosts(ctx, "u1", "archived")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ListPosts(ctx, "", "")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestAccounts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.svc.LinkAccount(ctx, &types.SocialAccount{UserID: "u1", Platform: "myspace", AccountID: "a", AccessToken: "t"})
	assert.ErrorIs(t, err, ErrValidation)
	err = f.svc.LinkAccount(ctx, &types.SocialAccount{UserID: "u1", Platform: types.PlatformFacebook, AccountID: "a"})
	assert.ErrorIs(t, err, ErrValidation)

	accounts, err := f.svc.ListAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acct", accounts[0].AccountName, "name defaults to the account id")

	ok, err := f.svc.UnlinkAccount(ctx, "u1", types.PlatformLinkedIn, "acct")
	require.NoError(t, err)
	assert.True(t, ok)

	post := f.draft(t)
	result, err := f.svc.PublishPostNow(ctx, post.ID, nil, "u1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, dispatcher.ErrMsgNoAccount, result.Results[1].Error)
}
