// Package scheduler turns posts into scheduled publish jobs. It owns the
// input validation and ownership checks that sit in front of the queue and
// the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/internal/content"
	"github.com/ChuLiYu/postpilot/internal/dispatcher"
	"github.com/ChuLiYu/postpilot/internal/events"
	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Publisher publishes a payload immediately. *dispatcher.Dispatcher
// implements it.
type Publisher interface {
	ProcessJob(ctx context.Context, payload types.JobPayload) (types.AggregateResult, error)
}

// Deps are the collaborators of a Service. Events and Metrics are optional.
type Deps struct {
	Posts     store.PostStore
	Accounts  store.AccountStore
	Queue     queue.Queue
	Publisher Publisher
	Events    events.Sink
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

type Service struct {
	posts     store.PostStore
	accounts  store.AccountStore
	queue     queue.Queue
	publisher Publisher
	events    events.Sink
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	return &Service{
		posts:     d.Posts,
		accounts:  d.Accounts,
		queue:     d.Queue,
		publisher: d.Publisher,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       d.Logger,
		now:       time.Now,
	}
}

// SchedulePost enqueues the post to be published to platforms at
// scheduledFor and marks it scheduled. A post that already has a live job
// fails with an error wrapping queue.ErrDuplicateJob. The job is enqueued
// first, so a dispatcher may publish the post before the status write; that
// counts as success.
func (s *Service) SchedulePost(ctx context.Context, postID string, scheduledFor time.Time, platforms []types.Platform, userID string) (types.JobID, error) {
	if err := checkUser(userID); err != nil {
		return "", err
	}
	if err := checkPlatforms(platforms); err != nil {
		return "", err
	}
	now := s.now()
	if !scheduledFor.After(now) {
		return "", &InvalidScheduleError{ScheduledFor: scheduledFor, Now: now}
	}

	post, err := s.ownedPost(ctx, postID, userID)
	if err != nil {
		return "", err
	}
	if post.Status == types.PostPosted {
		return "", invalid("postId", "post %s is already published", post.ID)
	}
	if err := content.CheckLimits(post.Content, platforms); err != nil {
		return "", invalid("content", "%v", err)
	}

	jobID := types.PostJobID(post.ID)
	payload := types.JobPayload{PostID: post.ID, Platforms: platforms, UserID: userID}
	job, err := s.queue.Enqueue(ctx, jobID, payload, scheduledFor.Sub(now))
	if err != nil {
		return "", fmt.Errorf("schedule post %s: %w", post.ID, err)
	}

	at := scheduledFor.UTC()
	if _, err := s.posts.UpdateStatus(ctx, post.ID, types.PostScheduled, store.StatusUpdate{ScheduledFor: &at}); err != nil {
		var te *store.TransitionError
		if errors.As(err, &te) && te.From == types.PostPosted {
			// the job already ran and published the post
			s.metrics.RecordEnqueue()
			s.log.Info("post published before it was marked scheduled", "post_id", post.ID, "job_id", jobID)
			return jobID, nil
		}
		if _, cerr := s.queue.Cancel(ctx, jobID); cerr != nil {
			s.log.Error("cancel job after failed status update", "job_id", jobID, "error", cerr)
		}
		return "", fmt.Errorf("mark post %s scheduled: %w", post.ID, err)
	}

	s.metrics.RecordEnqueue()
	runAt := job.RunAt
	s.emit(ctx, events.JobEvent{Type: events.JobScheduled, JobID: jobID, PostID: post.ID, NextRunAt: &runAt})
	s.log.Info("post scheduled", "post_id", post.ID, "job_id", jobID, "run_at", job.RunAt)
	return jobID, nil
}

// CancelScheduledPost cancels the post's pending job and returns the post to
// draft. It reports false, changing nothing, when there is no pending job.
// An empty userID skips the ownership check; the CLI uses this.
func (s *Service) CancelScheduledPost(ctx context.Context, postID, userID string) (bool, error) {
	if userID != "" {
		if _, err := s.ownedPost(ctx, postID, userID); err != nil {
			return false, err
		}
	}

	jobID := types.PostJobID(postID)
	ok, err := s.queue.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel post %s: %w", postID, err)
	}
	if !ok {
		return false, nil
	}
	s.metrics.RecordCancel()
	s.emit(ctx, events.JobEvent{Type: events.JobCancelled, JobID: jobID, PostID: postID})

	if _, err := s.posts.UpdateStatus(ctx, postID, types.PostDraft, store.StatusUpdate{ClearSchedule: true}); err != nil {
		return true, fmt.Errorf("reset post %s to draft: %w", postID, err)
	}
	s.log.Info("scheduled post cancelled", "post_id", postID, "job_id", jobID)
	return true, nil
}

// PublishPostNow publishes the post right away without going through the
// queue. Platform failures are reported in the result, not as an error.
// With no platforms the post's own targets are used.
func (s *Service) PublishPostNow(ctx context.Context, postID string, platforms []types.Platform, userID string) (types.AggregateResult, error) {
	if err := checkUser(userID); err != nil {
		return types.AggregateResult{}, err
	}
	post, err := s.ownedPost(ctx, postID, userID)
	if err != nil {
		return types.AggregateResult{}, err
	}
	if len(platforms) == 0 {
		platforms = post.Platforms
	}
	if err := checkPlatforms(platforms); err != nil {
		return types.AggregateResult{}, err
	}
	if post.Status == types.PostPosted {
		return types.AggregateResult{}, invalid("postId", "post %s is already published", post.ID)
	}

	result, err := s.publisher.ProcessJob(ctx, types.JobPayload{PostID: post.ID, Platforms: platforms, UserID: userID})
	if err != nil && !errors.Is(err, dispatcher.ErrPlatformPublish) {
		return result, fmt.Errorf("publish post %s: %w", post.ID, err)
	}
	return result, nil
}

// CreatePost stores a new draft. Hashtags are taken from the content, which
// must fit every target platform's character limit.
func (s *Service) CreatePost(ctx context.Context, userID, text, imageURL string, platforms []types.Platform) (*types.Post, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("content", "must not be empty")
	}
	if err := checkPlatforms(platforms); err != nil {
		return nil, err
	}
	if err := content.CheckLimits(text, platforms); err != nil {
		return nil, invalid("content", "%v", err)
	}

	post := &types.Post{
		UserID:    userID,
		Content:   text,
		ImageURL:  strings.TrimSpace(imageURL),
		Platforms: platforms,
		Hashtags:  content.ExtractHashtags(text),
		Status:    types.PostDraft,
	}
	if err := s.posts.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return post, nil
}

// ListPosts returns the user's posts, optionally filtered by status.
func (s *Service) ListPosts(ctx context.Context, userID string, status types.PostStatus) ([]*types.Post, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	switch status {
	case "", types.PostDraft, types.PostScheduled, types.PostPosted, types.PostFailed:
	default:
		return nil, invalid("status", "unknown status %q", status)
	}
	return s.posts.ListPosts(ctx, userID, status)
}

// PostDetail is a post with its latest publish attempt and queue job.
type PostDetail struct {
	Post    *types.Post          `json:"post"`
	Results []store.ResultRecord `json:"results"`
	Job     *types.Job           `json:"job,omitempty"`
}

func (s *Service) GetPost(ctx context.Context, postID, userID string) (*PostDetail, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	post, err := s.ownedPost(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	results, err := s.posts.ListResults(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	detail := &PostDetail{Post: post, Results: latestAttempt(results)}

	job, err := s.queue.Get(ctx, types.PostJobID(post.ID))
	switch {
	case err == nil:
		detail.Job = job
	case !errors.Is(err, queue.ErrJobNotFound):
		return nil, err
	}
	return detail, nil
}

// LinkAccount stores or refreshes a user's platform credential.
func (s *Service) LinkAccount(ctx context.Context, account *types.SocialAccount) error {
	if err := checkUser(account.UserID); err != nil {
		return err
	}
	if _, err := types.ParsePlatform(string(account.Platform)); err != nil {
		return invalid("platform", "%v", err)
	}
	if account.AccountID == "" {
		return invalid("accountId", "must not be empty")
	}
	if account.AccessToken == "" {
		return invalid("accessToken", "must not be empty")
	}
	if account.AccountName == "" {
		account.AccountName = account.AccountID
	}
	return s.accounts.LinkAccount(ctx, account)
}

func (s *Service) UnlinkAccount(ctx context.Context, userID string, platform types.Platform, accountID string) (bool, error) {
	if err := checkUser(userID); err != nil {
		return false, err
	}
	return s.accounts.UnlinkAccount(ctx, userID, platform, accountID)
}

func (s *Service) ListAccounts(ctx context.Context, userID string) ([]*types.SocialAccount, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	return s.accounts.ListAccounts(ctx, userID)
}

func (s *Service) ownedPost(ctx context.Context, postID, userID string) (*types.Post, error) {
	if postID == "" {
		return nil, invalid("postId", "must not be empty")
	}
	post, err := s.posts.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, postID)
	}
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, postID)
	}
	return post, nil
}

func (s *Service) emit(ctx context.Context, e events.JobEvent) {
	e.At = s.now().UTC()
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish job event", "type", e.Type, "job_id", e.JobID, "error", err)
	}
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	return nil
}

func checkPlatforms(platforms []types.Platform) error {
	if len(platforms) == 0 {
		return invalid("platforms", "at least one platform is required")
	}
	seen := make(map[types.Platform]bool, len(platforms))
	for _, p := range platforms {
		if _, err := types.ParsePlatform(string(p)); err != nil {
			return invalid("platforms", "%v", err)
		}
		if seen[p] {
			return invalid("platforms", "%s listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// latestAttempt keeps the results of the most recent dispatch.
func latestAttempt(results []store.ResultRecord) []store.ResultRecord {
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1].AttemptedAt
	i := len(results) - 1
	for i > 0 && results[i-1].AttemptedAt.Equal(last) {
		i--
	}
	return results[i:]
}
