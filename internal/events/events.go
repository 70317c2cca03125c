// Package events publishes structured job lifecycle events.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Type names a job lifecycle transition.
type Type string

const (
	JobScheduled      Type = "scheduled"
	JobCancelled      Type = "cancelled"
	JobCompleted      Type = "completed"
	JobRetryScheduled Type = "retry_scheduled"
	JobExhausted      Type = "exhausted"
)

// JobEvent describes one outcome of a publish job.
type JobEvent struct {
	Type      Type                  `json:"type"`
	JobID     types.JobID           `json:"jobId"`
	PostID    string                `json:"postId"`
	Attempt   int                   `json:"attempt"`
	NextRunAt *time.Time            `json:"nextRunAt,omitempty"`
	Error     string                `json:"error,omitempty"`
	Results   []types.PublishResult `json:"results,omitempty"`
	At        time.Time             `json:"at"`
}

// Sink receives job events.
type Sink interface {
	Publish(ctx context.Context, event JobEvent) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event JobEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, JobEvent) error { return nil }
