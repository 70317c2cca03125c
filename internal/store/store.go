// Package store persists posts, linked social accounts, per-platform publish
// results and cached trends. SQLite and Postgres share one implementation;
// each backend supplies a connection adapter and its schema.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition means a post status change is not allowed from
	// the post's current status.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// PostStore reads and writes posts and their publish history.
type PostStore interface {
	CreatePost(ctx context.Context, post *types.Post) error
	GetPost(ctx context.Context, id string) (*types.Post, error)
	// ListPosts returns a user's posts, newest first. An empty status lists all.
	ListPosts(ctx context.Context, userID string, status types.PostStatus) ([]*types.Post, error)
	// UpdateStatus moves a post to status to. It fails with
	// ErrInvalidTransition when the current status does not allow it.
	UpdateStatus(ctx context.Context, id string, to types.PostStatus, u StatusUpdate) (*types.Post, error)
	RecordResults(ctx context.Context, postID string, results []types.PublishResult, at time.Time) error
	// ListResults returns every recorded attempt for a post, oldest first.
	ListResults(ctx context.Context, postID string) ([]ResultRecord, error)
}

// AccountStore manages linked social accounts.
type AccountStore interface {
	// LinkAccount inserts an account or refreshes the tokens of the existing
	// (user, platform, account id) row.
	LinkAccount(ctx context.Context, account *types.SocialAccount) error
	UnlinkAccount(ctx context.Context, userID string, platform types.Platform, accountID string) (bool, error)
	// ListAccounts returns a user's accounts, oldest first.
	ListAccounts(ctx context.Context, userID string) ([]*types.SocialAccount, error)
}

// TrendStore caches trending topics.
type TrendStore interface {
	SaveTrends(ctx context.Context, trends []types.Trend) error
	FreshTrends(ctx context.Context, platform types.Platform, now time.Time, limit int) ([]types.Trend, error)
	DeleteExpiredTrends(ctx context.Context, now time.Time) (int, error)
}

// StatusUpdate carries the timestamps written with a status change.
type StatusUpdate struct {
	// ScheduledFor replaces the scheduled time when set.
	ScheduledFor *time.Time
	// ClearSchedule removes the scheduled time.
	ClearSchedule bool
	// PostedAt is written as given; nil clears it.
	PostedAt *time.Time
}

// ResultRecord is one stored platform outcome.
type ResultRecord struct {
	types.PublishResult
	AttemptedAt time.Time `json:"attemptedAt"`
}

// TransitionError details a rejected status change.
type TransitionError struct {
	PostID string
	From   types.PostStatus
	To     types.PostStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("post %s: cannot move from %s to %s", e.PostID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// TokenFingerprint identifies a token in logs without revealing it.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// ============================================================================
// connection adapters
// ============================================================================

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn is what a backend provides. Queries use ? placeholders.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) row
	Query(ctx context.Context, query string, args ...any) (rows, error)
	IsNoRows(err error) bool
	Close() error
}

// Store implements PostStore, AccountStore and TrendStore over a conn.
type Store struct {
	db  conn
	log *slog.Logger
	now func() time.Time
}

func newStore(db conn, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// posts
// ============================================================================

const postColumns = `id, user_id, content, image_url, platforms, hashtags, status,
    scheduled_for, posted_at, created_at, updated_at`

func (s *Store) CreatePost(ctx context.Context, post *types.Post) error {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = types.PostDraft
	}
	now := s.now().UTC()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now

	platforms, hashtags, err := encodeLists(post)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO posts (`+postColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.UserID, post.Content, post.ImageURL, platforms, hashtags, string(post.Status),
		post.ScheduledFor, post.PostedAt, post.CreatedAt, post.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, id string) (*types.Post, error) {
	post, err := scanPost(s.db.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		if s.db.IsNoRows(err) {
			return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

func (s *Store) ListPosts(ctx context.Context, userID string, status types.PostStatus) ([]*types.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rs, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rs.Close()

	var out []*types.Post
	for rs.Next() {
		post, err := scanPost(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, rs.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to types.PostStatus, u StatusUpdate) (*types.Post, error) {
	allowed := types.AllowedFrom(to)
	if len(allowed) == 0 {
		return nil, &TransitionError{PostID: id, To: to}
	}

	set := `status = ?, posted_at = ?, updated_at = ?`
	args := []any{string(to), u.PostedAt, s.now().UTC()}
	switch {
	case u.ClearSchedule:
		set += `, scheduled_for = NULL`
	case u.ScheduledFor != nil:
		set += `, scheduled_for = ?`
		args = append(args, u.ScheduledFor)
	}
	args = append(args, id)
	for _, st := range allowed {
		args = append(args, string(st))
	}

	query := `UPDATE posts SET ` + set + ` WHERE id = ? AND status IN (` + placeholders(len(allowed)) + `)
RETURNING ` + postColumns
	post, err := scanPost(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return post, nil
	}
	if !s.db.IsNoRows(err) {
		return nil, fmt.Errorf("update post status: %w", err)
	}

	current, err := s.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &TransitionError{PostID: id, From: current.Status, To: to}
}

func (s *Store) RecordResults(ctx context.Context, postID string, results []types.PublishResult, at time.Time) error {
	for _, r := range results {
		_, err := s.db.Exec(ctx, `
INSERT INTO publish_results (post_id, platform, success, platform_post_id, error, attempted_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			postID, string(r.Platform), r.Success, r.PlatformPostID, r.Error, at.UTC())
		if err != nil {
			return fmt.Errorf("record %s result: %w", r.Platform, err)
		}
	}
	return nil
}

func (s *Store) ListResults(ctx context.Context, postID string) ([]ResultRecord, error) {
	rs, err := s.db.Query(ctx, `
SELECT platform, success, platform_post_id, error, attempted_at
FROM publish_results WHERE post_id = ? ORDER BY attempted_at, id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rs.Close()

	var out []ResultRecord
	for rs.Next() {
		var (
			rec      ResultRecord
			platform string
		)
		if err := rs.Scan(&platform, &rec.Success, &rec.PlatformPostID, &rec.Error, &rec.AttemptedAt); err != nil {
			return nil, err
		}
		rec.Platform = types.Platform(platform)
		out = append(out, rec)
	}
	return out, rs.Err()
}

// ============================================================================
// accounts
// ============================================================================

func (s *Store) LinkAccount(ctx context.Context, a *types.SocialAccount) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO social_accounts (id, user_id, platform, account_id, account_name, access_token, refresh_token, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, platform, account_id) DO UPDATE SET
    account_name = excluded.account_name,
    access_token = excluded.access_token,
    refresh_token = excluded.refresh_token,
    expires_at = excluded.expires_at
RETURNING id, created_at`,
		a.ID, a.UserID, string(a.Platform), a.AccountID, a.AccountName, a.AccessToken, a.RefreshToken, a.ExpiresAt, a.CreatedAt,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	s.log.Info("social account linked",
		"user_id", a.UserID,
		"platform", a.Platform,
		"account_id", a.AccountID,
		"token_fp", TokenFingerprint(a.AccessToken))
	return nil
}

func (s *Store) UnlinkAccount(ctx context.Context, userID string, platform types.Platform, accountID string) (bool, error) {
	n, err := s.db.Exec(ctx,
		`DELETE FROM social_accounts WHERE user_id = ? AND platform = ? AND account_id = ?`,
		userID, string(platform), accountID)
	if err != nil {
		return false, fmt.Errorf("unlink account: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*types.SocialAccount, error) {
	rs, err := s.db.Query(ctx, `
SELECT id, user_id, platform, account_id, account_name, access_token, refresh_token, expires_at, created_at
FROM social_accounts WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rs.Close()

	var out []*types.SocialAccount
	for rs.Next() {
		var (
			a        types.SocialAccount
			platform string
		)
		if err := rs.Scan(&a.ID, &a.UserID, &platform, &a.AccountID, &a.AccountName, &a.AccessToken, &a.RefreshToken, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Platform = types.Platform(platform)
		out = append(out, &a)
	}
	return out, rs.Err()
}

// ============================================================================
// trends
// ============================================================================

func (s *Store) SaveTrends(ctx context.Context, trends []types.Trend) error {
	for _, t := range trends {
		_, err := s.db.Exec(ctx, `
INSERT INTO trends (platform, topic, hashtag, category, rank, fetched_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(t.Platform), t.Topic, t.Hashtag, t.Category, t.Rank, t.FetchedAt.UTC(), t.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("save trend: %w", err)
		}
	}
	return nil
}

func (s *Store) FreshTrends(ctx context.Context, platform types.Platform, now time.Time, limit int) ([]types.Trend, error) {
	if limit <= 0 {
		limit = 10
	}
	rs, err := s.db.Query(ctx, `
SELECT platform, topic, hashtag, category, rank, fetched_at, expires_at
FROM trends WHERE platform = ? AND expires_at > ?
ORDER BY rank, fetched_at DESC LIMIT ?`, string(platform), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fresh trends: %w", err)
	}
	defer rs.Close()

	var out []types.Trend
	for rs.Next() {
		var (
			t types.Trend
			p string
		)
		if err := rs.Scan(&p, &t.Topic, &t.Hashtag, &t.Category, &t.Rank, &t.FetchedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		t.Platform = types.Platform(p)
		out = append(out, t)
	}
	return out, rs.Err()
}

func (s *Store) DeleteExpiredTrends(ctx context.Context, now time.Time) (int, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM trends WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired trends: %w", err)
	}
	return int(n), nil
}

// ============================================================================
// helpers
// ============================================================================

func scanPost(r row) (*types.Post, error) {
	var (
		p         types.Post
		status    string
		platforms []byte
		hashtags  []byte
	)
	err := r.Scan(&p.ID, &p.UserID, &p.Content, &p.ImageURL, &platforms, &hashtags, &status,
		&p.ScheduledFor, &p.PostedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = types.PostStatus(status)
	if err := json.Unmarshal(platforms, &p.Platforms); err != nil {
		return nil, fmt.Errorf("decode platforms of %s: %w", p.ID, err)
	}
	if len(hashtags) > 0 {
		if err := json.Unmarshal(hashtags, &p.Hashtags); err != nil {
			return nil, fmt.Errorf("decode hashtags of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func encodeLists(p *types.Post) ([]byte, []byte, error) {
	platforms := p.Platforms
	if platforms == nil {
		platforms = []types.Platform{}
	}
	pl, err := json.Marshal(platforms)
	if err != nil {
		return nil, nil, err
	}
	hashtags := p.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	ht, err := json.Marshal(hashtags)
	if err != nil {
		return nil, nil, err
	}
	return pl, ht, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
