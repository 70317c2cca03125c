// Package dispatcher executes one publish job: it loads the post and the
// owner's accounts, publishes to every requested platform concurrently and
// writes the combined outcome back to the post.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/internal/metrics"
	"github.com/ChuLiYu/postpilot/internal/platform"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Result messages for platforms that could not be attempted.
const (
	ErrMsgNoAccount   = "no connected account"
	ErrMsgUnsupported = "unsupported platform"
)

// ErrPlatformPublish means at least one platform did not accept the post.
var ErrPlatformPublish = errors.New("platform publish failed")

// PublishFailedError lists the platforms that failed for a post.
type PublishFailedError struct {
	PostID string
	Failed []types.PublishResult
}

func (e *PublishFailedError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		parts = append(parts, string(r.Platform)+": "+r.Error)
	}
	return fmt.Sprintf("post %s: %s", e.PostID, strings.Join(parts, "; "))
}

func (e *PublishFailedError) Unwrap() error { return ErrPlatformPublish }

// PublishResults returns the failed platform results.
func (e *PublishFailedError) PublishResults() []types.PublishResult { return e.Failed }

// Dispatcher turns a job payload into platform publishes.
type Dispatcher struct {
	posts    store.PostStore
	accounts store.AccountStore
	registry *platform.Registry
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
}

func New(posts store.PostStore, accounts store.AccountStore, registry *platform.Registry, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		posts:    posts,
		accounts: accounts,
		registry: registry,
		metrics:  m,
		log:      logger,
		now:      time.Now,
	}
}

// Handle runs a queued job. It matches worker.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job *types.Job) error {
	_, err := d.ProcessJob(ctx, job.Payload)
	return err
}

// ProcessJob publishes the payload's post and records the outcome. The post
// becomes posted only when every platform succeeded, otherwise failed. The
// returned error wraps ErrPlatformPublish when any platform failed, so the
// queue retries the whole job.
func (d *Dispatcher) ProcessJob(ctx context.Context, payload types.JobPayload) (types.AggregateResult, error) {
	agg := types.AggregateResult{PostID: payload.PostID}

	post, err := d.posts.GetPost(ctx, payload.PostID)
	if err != nil {
		return agg, fmt.Errorf("load post: %w", err)
	}
	if post.Status == types.PostPosted {
		// a redelivered job for a post that already went out
		d.log.Warn("post already published, skipping", "post_id", post.ID)
		agg.Success = true
		return agg, nil
	}

	accounts, err := d.accounts.ListAccounts(ctx, post.UserID)
	if err != nil {
		return agg, fmt.Errorf("load accounts: %w", err)
	}

	targets := payload.Platforms
	if len(targets) == 0 {
		targets = post.Platforms
	}
	agg.Results = d.fanOut(ctx, post, targets, accounts)
	agg.Success = len(agg.Results) > 0 && len(agg.Failed()) == 0

	now := d.now().UTC()
	if err := d.posts.RecordResults(ctx, post.ID, agg.Results, now); err != nil {
		d.log.Error("record publish results", "post_id", post.ID, "error", err)
	}

	update := store.StatusUpdate{}
	to := types.PostFailed
	if agg.Success {
		to = types.PostPosted
		update.PostedAt = &now
	}
	if _, err := d.posts.UpdateStatus(ctx, post.ID, to, update); err != nil {
		return agg, fmt.Errorf("set post %s %s: %w", post.ID, to, err)
	}

	if !agg.Success {
		return agg, &PublishFailedError{PostID: post.ID, Failed: agg.Failed()}
	}
	d.log.Info("post published", "post_id", post.ID, "platforms", len(agg.Results))
	return agg, nil
}

// fanOut publishes to every target concurrently. Results keep target order.
func (d *Dispatcher) fanOut(ctx context.Context, post *types.Post, targets []types.Platform, accounts []*types.SocialAccount) []types.PublishResult {
	results := make([]types.PublishResult, len(targets))

	var g errgroup.Group
	for i, p := range targets {
		pub, ok := d.registry.Get(p)
		if !ok {
			results[i] = types.PublishResult{Platform: p, Error: ErrMsgUnsupported}
			continue
		}
		account := firstAccount(accounts, p)
		if account == nil {
			results[i] = types.PublishResult{Platform: p, Error: ErrMsgNoAccount}
			continue
		}
		g.Go(func() error {
			results[i] = pub.Publish(ctx, post, account)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		d.metrics.RecordPublish(string(r.Platform), r.Success)
		if !r.Success {
			d.log.Warn("platform publish failed", "post_id", post.ID, "platform", r.Platform, "error", r.Error)
		}
	}
	return results
}

func firstAccount(accounts []*types.SocialAccount, p types.Platform) *types.SocialAccount {
	for _, a := range accounts {
		if a.Platform == p {
			return a
		}
	}
	return nil
}
