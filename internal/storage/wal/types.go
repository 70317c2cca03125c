package wal

import "github.com/ChuLiYu/postpilot/pkg/types"

// EventType names a job state change recorded in the log.
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // job added or replaced
	EventCancel   EventType = "CANCEL"   // pending job removed
	EventDispatch EventType = "DISPATCH" // job claimed by a worker
	EventAck      EventType = "ACK"      // job completed
	EventRetry    EventType = "RETRY"    // attempt failed, job rescheduled
	EventDead     EventType = "DEAD"     // attempts exhausted
	EventRequeue  EventType = "REQUEUE"  // stale in-flight job returned to pending
	EventPurge    EventType = "PURGE"    // terminal job dropped by retention
)

// Removes reports whether replaying the event deletes the job instead of
// upserting it.
func (t EventType) Removes() bool {
	return t == EventCancel || t == EventPurge
}

// Event is one log record. Job holds the full job state after the change,
// so replay is an idempotent upsert. It is nil for removals.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	JobID     types.JobID `json:"job_id"`
	Job       *types.Job  `json:"job,omitempty"`
	Timestamp int64       `json:"timestamp"` // unix ms
	Checksum  uint32      `json:"checksum"`
}

// EventHandler applies a replayed event to in-memory state.
type EventHandler func(event Event) error
