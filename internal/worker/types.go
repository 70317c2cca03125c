package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Handler runs one claimed job. A nil error means the job succeeded.
type Handler func(ctx context.Context, job *types.Job) error

// Task is a claimed job waiting for a worker.
type Task struct {
	Job     *types.Job
	Timeout time.Duration // zero means no deadline
}

// Result is the outcome of one Task.
type Result struct {
	JobID    types.JobID
	Job      *types.Job
	Success  bool
	Error    error
	Duration time.Duration
	Worker   int
}
