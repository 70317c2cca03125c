package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "postpilot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns the SQLite store and, when POSTPILOT_TEST_DATABASE_URL is
// set, a Postgres store on empty tables.
func backends(t *testing.T) map[string]*Store {
	t.Helper()
	out := map[string]*Store{"sqlite": openSQLite(t)}

	dsn := os.Getenv("POSTPILOT_TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	s, err := NewPostgres(ctx, pool, nil)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "TRUNCATE publish_results, posts, social_accounts, trends")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	out["postgres"] = s
	return out
}

func newPost(userID string) *types.Post {
	return &types.Post{
		UserID:    userID,
		Content:   "Shipping v2 today #release",
		Platforms: []types.Platform{types.PlatformTwitter, types.PlatformLinkedIn},
		Hashtags:  []string{"#release"},
	}
}

func TestPostCreateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.now = func() time.Time { return t0 }

			post := newPost("u1")
			require.NoError(t, s.CreatePost(ctx, post))
			assert.NotEmpty(t, post.ID)
			assert.Equal(t, types.PostDraft, post.Status)

			got, err := s.GetPost(ctx, post.ID)
			require.NoError(t, err)
			assert.Equal(t, post.Content, got.Content)
			assert.Equal(t, post.Platforms, got.Platforms)
			assert.Equal(t, []string{"#release"}, got.Hashtags)
			assert.Equal(t, types.PostDraft, got.Status)
			assert.Nil(t, got.ScheduledFor)
			assert.True(t, t0.Equal(got.CreatedAt))

			_, err = s.GetPost(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListPostsFiltersByUserAndStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, user := range []string{"u1", "u1", "u2"} {
				at := t0.Add(time.Duration(i) * time.Minute)
				s.now = func() time.Time { return at }
				require.NoError(t, s.CreatePost(ctx, newPost(user)))
			}
			posts, err := s.ListPosts(ctx, "u1", "")
			require.NoError(t, err)
			require.Len(t, posts, 2)
			assert.True(t, posts[0].CreatedAt.After(posts[1].CreatedAt), "newest first")

			when := t0.Add(time.Hour)
			_, err = s.UpdateStatus(ctx, posts[0].ID, types.PostScheduled, StatusUpdate{ScheduledFor: &when})
			require.NoError(t, err)

			scheduled, err := s.ListPosts(ctx, "u1", types.PostScheduled)
			require.NoError(t, err)
			require.Len(t, scheduled, 1)
			assert.Equal(t, posts[0].ID, scheduled[0].ID)
		})
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to types.PostStatus
		ok       bool
	}{
		{types.PostDraft, types.PostScheduled, true},
		{types.PostDraft, types.PostPosted, true},
		{types.PostScheduled, types.PostDraft, true},
		{types.PostScheduled, types.PostPosted, true},
		{types.PostScheduled, types.PostFailed, true},
		{types.PostFailed, types.PostScheduled, true},
		{types.PostFailed, types.PostPosted, true},
		{types.PostPosted, types.PostScheduled, false},
		{types.PostPosted, types.PostDraft, false},
		{types.PostPosted, types.PostFailed, false},
		{types.PostScheduled, types.PostScheduled, false},
	}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tt := range tests {
				post := newPost("u1")
				post.Status = tt.from
				require.NoError(t, s.CreatePost(ctx, post))

				got, err := s.UpdateStatus(ctx, post.ID, tt.to, StatusUpdate{})
				if tt.ok {
					require.NoError(t, err, "%s -> %s", tt.from, tt.to)
					assert.Equal(t, tt.to, got.Status)
					continue
				}
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.from, te.From)

				unchanged, err := s.GetPost(ctx, post.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.from, unchanged.Status)
			}

			_, err := s.UpdateStatus(ctx, "missing", types.PostPosted, StatusUpdate{})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateStatusTimestamps(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			post := newPost("u1")
			require.NoError(t, s.CreatePost(ctx, post))

			when := t0.Add(2 * time.Hour)
			got, err := s.UpdateStatus(ctx, post.ID, types.PostScheduled, StatusUpdate{ScheduledFor: &when})
			require.NoError(t, err)
			require.NotNil(t, got.ScheduledFor)
			assert.True(t, when.Equal(*got.ScheduledFor))

			postedAt := when.Add(time.Second)
			got, err = s.UpdateStatus(ctx, post.ID, types.PostPosted, StatusUpdate{PostedAt: &postedAt})
			require.NoError(t, err)
			require.NotNil(t, got.PostedAt)
			assert.True(t, postedAt.Equal(*got.PostedAt))
			require.NotNil(t, got.ScheduledFor, "schedule kept unless cleared")

			other := newPost("u1")
			require.NoError(t, s.CreatePost(ctx, other))
			_, err = s.UpdateStatus(ctx, other.ID, types.PostScheduled, StatusUpdate{ScheduledFor: &when})
			require.NoError(t, err)
			got, err = s.UpdateStatus(ctx, other.ID, types.PostDraft, StatusUpdate{ClearSchedule: true})
			require.NoError(t, err)
			assert.Nil(t, got.ScheduledFor)
		})
	}
}

func TestRecordAndListResults(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			post := newPost("u1")
			require.NoError(t, s.CreatePost(ctx, post))

			require.NoError(t, s.RecordResults(ctx, post.ID, []types.PublishResult{
				{Platform: types.PlatformTwitter, Success: true, PlatformPostID: "tw-1"},
				{Platform: types.PlatformLinkedIn, Error: "LinkedIn API error: 500 boom"},
			}, t0))
			require.NoError(t, s.RecordResults(ctx, post.ID, []types.PublishResult{
				{Platform: types.PlatformLinkedIn, Success: true, PlatformPostID: "li-1"},
			}, t0.Add(2*time.Second)))

			recs, err := s.ListResults(ctx, post.ID)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, types.PlatformTwitter, recs[0].Platform)
			assert.True(t, recs[0].Success)
			assert.Equal(t, "LinkedIn API error: 500 boom", recs[1].Error)
			assert.False(t, recs[1].Success)
			assert.Equal(t, "li-1", recs[2].PlatformPostID)
			assert.True(t, t0.Add(2*time.Second).Equal(recs[2].AttemptedAt))
		})
	}
}

func TestAccounts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.now = func() time.Time { return t0 }
			first := &types.SocialAccount{UserID: "u1", Platform: types.PlatformTwitter, AccountID: "a1", AccountName: "Old Name", AccessToken: "old"}
			require.NoError(t, s.LinkAccount(ctx, first))

			s.now = func() time.Time { return t0.Add(time.Minute) }
			require.NoError(t, s.LinkAccount(ctx, &types.SocialAccount{UserID: "u1", Platform: types.PlatformTwitter, AccountID: "a2", AccessToken: "second"}))

			// relinking the same triple refreshes tokens in place
			relink := &types.SocialAccount{UserID: "u1", Platform: types.PlatformTwitter, AccountID: "a1", AccountName: "Acme Corp", AccessToken: "new", RefreshToken: "r"}
			require.NoError(t, s.LinkAccount(ctx, relink))
			assert.Equal(t, first.ID, relink.ID)

			accounts, err := s.ListAccounts(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, accounts, 2)
			assert.Equal(t, "a1", accounts[0].AccountID, "oldest first")
			assert.Equal(t, "new", accounts[0].AccessToken)
			assert.Equal(t, "r", accounts[0].RefreshToken)
			assert.Equal(t, "Acme Corp", accounts[0].AccountName, "relinking renames")
			assert.Empty(t, accounts[1].AccountName)

			ok, err := s.UnlinkAccount(ctx, "u1", types.PlatformTwitter, "a1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.UnlinkAccount(ctx, "u1", types.PlatformTwitter, "a1")
			require.NoError(t, err)
			assert.False(t, ok)

			accounts, err = s.ListAccounts(ctx, "u2")
			require.NoError(t, err)
			assert.Empty(t, accounts)
		})
	}
}

func TestTrends(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveTrends(ctx, []types.Trend{
				{Platform: types.PlatformTwitter, Topic: "Go 2", Hashtag: "#golang", Rank: 2, FetchedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)},
				{Platform: types.PlatformTwitter, Topic: "AI", Hashtag: "#AI", Category: "Technology", Rank: 1, FetchedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)},
				{Platform: types.PlatformTwitter, Topic: "Old", Rank: 1, FetchedAt: t0.Add(-48 * time.Hour), ExpiresAt: t0.Add(-24 * time.Hour)},
				{Platform: types.PlatformFacebook, Topic: "Other", Rank: 1, FetchedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)},
			}))

			fresh, err := s.FreshTrends(ctx, types.PlatformTwitter, t0.Add(time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, fresh, 2)
			assert.Equal(t, "AI", fresh[0].Topic)
			assert.Equal(t, "Technology", fresh[0].Category)
			assert.Empty(t, fresh[1].Category)
			assert.Equal(t, "#golang", fresh[1].Hashtag)

			fresh, err = s.FreshTrends(ctx, types.PlatformTwitter, t0.Add(25*time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, fresh)

			n, err := s.DeleteExpiredTrends(ctx, t0)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestTokenFingerprint(t *testing.T) {
	fp := TokenFingerprint("secret-token")
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, TokenFingerprint("secret-token"))
	assert.NotEqual(t, fp, TokenFingerprint("other-token"))
	assert.NotContains(t, fp, "secret")
	assert.Empty(t, TokenFingerprint(""))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2, $3)", rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
