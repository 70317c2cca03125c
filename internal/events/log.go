package events

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) Publish(ctx context.Context, e JobEvent) error {
	level := slog.LevelInfo
	if e.Type == JobExhausted {
		level = slog.LevelWarn
	}
	attrs := []any{
		"event", string(e.Type),
		"job_id", e.JobID,
		"post_id", e.PostID,
		"attempt", e.Attempt,
	}
	if e.NextRunAt != nil {
		attrs = append(attrs, "next_run_at", *e.NextRunAt)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	if len(e.Results) > 0 {
		failed := 0
		for _, r := range e.Results {
			if !r.Success {
				failed++
			}
		}
		attrs = append(attrs, "platforms", len(e.Results), "failed_platforms", failed)
	}
	s.log.Log(ctx, level, "job event", attrs...)
	return nil
}
