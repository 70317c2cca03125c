// ============================================================================
// postpilot JobManager - in-memory delayed job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// State machine:
//
//	           Enqueue                PopDue
//	  (none) ──────────→ pending ──────────────→ in_flight
//	                       ↑  │ Cancel               │
//	                       │  └──────→ (removed)     │
//	                       │      Fail (attempts left)│
//	                       └─────────────────────────┤
//	                                                  │ Complete / Fail (exhausted)
//	                                                  ↓
//	                                     completed / exhausted ──Purge──→ (removed)
//
// Pending jobs live in a min-heap ordered by RunAt, so PopDue only ever looks
// at the head. Terminal jobs stay in the jobs map until Purge drops them.
//
// JobManager is safe for concurrent use; callers that need a state change and
// its WAL record to be atomic must serialise around both themselves.
// ============================================================================

package jobmanager

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

var (
	// ErrDuplicateJob is returned when a live job with the same id exists.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrNotInFlight is returned when a completion or failure targets a job that is not running.
	ErrNotInFlight = errors.New("job not in flight")
	// ErrJobNotFound is returned when the job id is unknown.
	ErrJobNotFound = errors.New("job not found")
)

// JobManager tracks every job the queue knows about.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job
	due  dueHeap
	// position of each pending job in due
	index map[types.JobID]*dueItem
	seq   uint64
}

// NewJobManager returns an empty JobManager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*types.Job),
		index: make(map[types.JobID]*dueItem),
	}
}

// Enqueue adds job as pending. A terminal job with the same id is replaced.
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[job.ID]; ok && existing.Status.Live() {
		return ErrDuplicateJob
	}

	j := job.Clone()
	j.Status = types.StatusPending
	j.FinishedAt = nil
	jm.jobs[j.ID] = j
	jm.push(j)
	return nil
}

// Cancel removes a pending job. It reports false when the job is absent,
// running or terminal.
func (jm *JobManager) Cancel(jobID types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok || job.Status != types.StatusPending {
		return false
	}
	jm.remove(jobID)
	delete(jm.jobs, jobID)
	return true
}

// PopDue moves up to limit pending jobs whose RunAt is not after due to
// in_flight, in RunAt order, and returns copies of them. leasedAt stamps
// the claim; RequeueInFlight measures lease age from it.
func (jm *JobManager) PopDue(due, leasedAt time.Time, limit int) []*types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var out []*types.Job
	for len(jm.due) > 0 && (limit <= 0 || len(out) < limit) {
		head := jm.due[0]
		if head.job.RunAt.After(due) {
			break
		}
		heap.Pop(&jm.due)
		delete(jm.index, head.job.ID)

		head.job.Status = types.StatusInFlight
		head.job.UpdatedAt = leasedAt
		out = append(out, head.job.Clone())
	}
	return out
}

// NextRunAt returns the RunAt of the earliest pending job.
func (jm *JobManager) NextRunAt() (time.Time, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if len(jm.due) == 0 {
		return time.Time{}, false
	}
	return jm.due[0].job.RunAt, true
}

// MarkCompleted moves an in-flight job to completed.
func (jm *JobManager) MarkCompleted(jobID types.JobID, now time.Time) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}
	job.Status = types.StatusCompleted
	job.UpdatedAt = now
	job.FinishedAt = &now
	job.LastError = ""
	return job.Clone(), nil
}

// MarkFailed records a failed attempt. While attempts remain the job goes
// back to pending with RunAt pushed out by its backoff; otherwise it becomes
// exhausted.
func (jm *JobManager) MarkFailed(jobID types.JobID, cause string, now time.Time) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}

	job.Attempt++
	job.LastError = cause
	job.UpdatedAt = now

	if job.Attempt < job.MaxAttempts {
		job.Status = types.StatusPending
		job.RunAt = now.Add(job.Backoff.NextDelay(job.Attempt))
		jm.push(job)
	} else {
		job.Status = types.StatusExhausted
		job.FinishedAt = &now
	}
	return job.Clone(), nil
}

// RequeueInFlight returns in-flight jobs claimed at or before now-olderThan to
// pending so they run again, and returns copies of them. Used on recovery,
// where nothing can still be executing those jobs.
func (jm *JobManager) RequeueInFlight(now time.Time, olderThan time.Duration) []*types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := now.Add(-olderThan)
	var out []*types.Job
	for _, job := range jm.jobs {
		if job.Status != types.StatusInFlight || job.UpdatedAt.After(cutoff) {
			continue
		}
		job.Status = types.StatusPending
		job.UpdatedAt = now
		if job.RunAt.After(now) {
			job.RunAt = now
		}
		jm.push(job)
		out = append(out, job.Clone())
	}
	return out
}

// Release returns the named in-flight jobs to pending, due at now, without
// counting an attempt. Other ids are ignored.
func (jm *JobManager) Release(ids []types.JobID, now time.Time) []*types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var out []*types.Job
	for _, id := range ids {
		job, ok := jm.jobs[id]
		if !ok || job.Status != types.StatusInFlight {
			continue
		}
		job.Status = types.StatusPending
		job.UpdatedAt = now
		if job.RunAt.After(now) {
			job.RunAt = now
		}
		jm.push(job)
		out = append(out, job.Clone())
	}
	return out
}

// Purge drops terminal jobs that fall outside the retention policy and
// returns their ids.
func (jm *JobManager) Purge(now time.Time, r types.Retention) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var removed []types.JobID
	var completed []*types.Job

	for id, job := range jm.jobs {
		if job.FinishedAt == nil {
			continue
		}
		age := now.Sub(*job.FinishedAt)
		switch job.Status {
		case types.StatusCompleted:
			if r.CompletedAge > 0 && age > r.CompletedAge {
				removed = append(removed, id)
				continue
			}
			completed = append(completed, job)
		case types.StatusExhausted:
			if r.ExhaustedAge > 0 && age > r.ExhaustedAge {
				removed = append(removed, id)
			}
		}
	}

	if r.CompletedMax > 0 && len(completed) > r.CompletedMax {
		// newest first; everything past the cap goes
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].FinishedAt.After(*completed[j].FinishedAt)
		})
		for _, job := range completed[r.CompletedMax:] {
			removed = append(removed, job.ID)
		}
	}

	for _, id := range removed {
		delete(jm.jobs, id)
	}
	return removed
}

// Apply upserts a job exactly as given. WAL replay uses it to restore state.
func (jm *JobManager) Apply(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.remove(job.ID)
	j := job.Clone()
	jm.jobs[j.ID] = j
	if j.Status == types.StatusPending {
		jm.push(j)
	}
}

// Delete forgets a job regardless of its state.
func (jm *JobManager) Delete(jobID types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.remove(jobID)
	delete(jm.jobs, jobID)
}

// GetJob returns a copy of the job, or nil.
func (jm *JobManager) GetJob(jobID types.JobID) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[jobID].Clone()
}

// Stats counts jobs per status.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusInFlight):  0,
		string(types.StatusCompleted): 0,
		string(types.StatusExhausted): 0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// Snapshot copies the full state for persistence.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = job.Clone()
	}
	return types.SnapshotData{Jobs: jobs, SchemaVer: 1}
}

// Restore replaces all state with data.
func (jm *JobManager) Restore(data types.SnapshotData) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.index = make(map[types.JobID]*dueItem)
	jm.due = nil
	for id, job := range data.Jobs {
		j := job.Clone()
		jm.jobs[id] = j
		if j.Status == types.StatusPending {
			jm.push(j)
		}
	}
}

// ============================================================================
// due-time heap
// ============================================================================

type dueItem struct {
	job   *types.Job
	seq   uint64 // insertion order breaks RunAt ties
	index int
}

type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].job.RunAt.Equal(h[j].job.RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.RunAt.Before(h[j].job.RunAt)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	item := x.(*dueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// push must be called with jm.mu held.
func (jm *JobManager) push(job *types.Job) {
	if item, ok := jm.index[job.ID]; ok {
		item.job = job
		heap.Fix(&jm.due, item.index)
		return
	}
	jm.seq++
	item := &dueItem{job: job, seq: jm.seq}
	heap.Push(&jm.due, item)
	jm.index[job.ID] = item
}

// remove must be called with jm.mu held.
func (jm *JobManager) remove(jobID types.JobID) {
	item, ok := jm.index[jobID]
	if !ok {
		return
	}
	heap.Remove(&jm.due, item.index)
	delete(jm.index, jobID)
}
