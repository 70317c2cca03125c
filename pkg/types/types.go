// Package types defines the domain model shared by the postpilot packages.
package types

import (
	"fmt"
	"time"
)

// Platform identifies a social network a post can be published to.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{PlatformTwitter, PlatformLinkedIn, PlatformFacebook, PlatformInstagram}

// ParsePlatform returns the Platform named by s.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ============================================================================
// Post
// ============================================================================

// PostStatus is the lifecycle state of a post.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
)

// postTransitions maps a target status to the statuses it may be entered from.
var postTransitions = map[PostStatus][]PostStatus{
	PostScheduled: {PostDraft, PostFailed},
	PostDraft:     {PostScheduled, PostFailed},
	PostPosted:    {PostDraft, PostScheduled, PostFailed},
	PostFailed:    {PostDraft, PostScheduled, PostFailed},
}

// AllowedFrom returns the statuses a post may move to s from.
func AllowedFrom(s PostStatus) []PostStatus {
	return postTransitions[s]
}

// CanTransition reports whether a post in status from may move to status to.
func CanTransition(from, to PostStatus) bool {
	for _, s := range postTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Post is one piece of content targeted at one or more platforms.
type Post struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Content      string     `json:"content"`
	ImageURL     string     `json:"imageUrl,omitempty"`
	Platforms    []Platform `json:"platforms"`
	Hashtags     []string   `json:"hashtags,omitempty"`
	Status       PostStatus `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// SocialAccount is a user's linked credential for one platform.
type SocialAccount struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Platform     Platform   `json:"platform"`
	AccountID    string     `json:"accountId"`
	AccountName  string     `json:"accountName"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// PublishResult is the outcome of publishing a post to one platform.
type PublishResult struct {
	Platform       Platform `json:"platform"`
	Success        bool     `json:"success"`
	PlatformPostID string   `json:"platformPostId,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// AggregateResult combines per-platform results for one post.
// Success is true only when every platform succeeded.
type AggregateResult struct {
	PostID  string          `json:"postId"`
	Success bool            `json:"success"`
	Results []PublishResult `json:"results"`
}

// Failed returns the results that did not succeed.
func (a AggregateResult) Failed() []PublishResult {
	var out []PublishResult
	for _, r := range a.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// ============================================================================
// Scheduled jobs
// ============================================================================

// JobID uniquely identifies a queued job.
type JobID string

// PostJobID derives the job id used for a post. One post has at most one live job.
func PostJobID(postID string) JobID {
	return JobID("post-" + postID)
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // waiting for RunAt
	StatusInFlight  JobStatus = "in_flight" // claimed by a worker
	StatusCompleted JobStatus = "completed"
	StatusExhausted JobStatus = "exhausted" // every attempt failed
)

// Live reports whether a job in this status still blocks a new job with the same id.
func (s JobStatus) Live() bool {
	return s == StatusPending || s == StatusInFlight
}

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExhausted
}

// JobPayload is the work a publish job carries.
type JobPayload struct {
	PostID    string     `json:"postId"`
	Platforms []Platform `json:"platforms"`
	UserID    string     `json:"userId"`
}

// Backoff describes how long to wait before retrying a failed job.
type Backoff struct {
	Type  string        `json:"type"` // "exponential" or "fixed"
	Delay time.Duration `json:"delay"`
}

// Job is the queue's unit of delayed work.
type Job struct {
	ID          JobID      `json:"id"`
	Payload     JobPayload `json:"payload"`
	Status      JobStatus  `json:"status"`
	RunAt       time.Time  `json:"runAt"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	Backoff     Backoff    `json:"backoff"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload.Platforms = append([]Platform(nil), j.Payload.Platforms...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// SnapshotData is the persisted state of the file-backed queue.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
}

// ============================================================================
// Trends
// ============================================================================

// Trend is a trending topic on one platform.
type Trend struct {
	Platform  Platform  `json:"platform"`
	Topic     string    `json:"topic"`
	Hashtag   string    `json:"hashtag,omitempty"`
	Category  string    `json:"category,omitempty"`
	Rank      int       `json:"rank"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NextDelay returns how long to wait before the retry that follows the given
// failed attempt (1-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == "fixed" {
		return b.Delay
	}
	return b.Delay << (attempt - 1)
}

// Retention bounds how long terminal jobs are kept before purge.
type Retention struct {
	CompletedAge time.Duration `json:"completedAge" yaml:"completed_age"`
	CompletedMax int           `json:"completedMax" yaml:"completed_max"`
	ExhaustedAge time.Duration `json:"exhaustedAge" yaml:"exhausted_age"`
}

// DefaultRetention keeps completed jobs for a day (at most 1000 of them) and
// exhausted jobs for a week.
var DefaultRetention = Retention{
	CompletedAge: 24 * time.Hour,
	CompletedMax: 1000,
	ExhaustedAge: 7 * 24 * time.Hour,
}

// DefaultBackoff doubles a 2s base delay per attempt.
var DefaultBackoff = Backoff{Type: "exponential", Delay: 2 * time.Second}

// DefaultMaxAttempts is how many times a job runs before it is exhausted.
const DefaultMaxAttempts = 3
