package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown or already purged job ids.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a job has already finished; nothing was changed.
	ErrTerminal = errors.New("job already finished")
	// ErrNotRunning is returned for updates that require a running job.
	ErrNotRunning = errors.New("job not running")
	// ErrCancelRequested is returned by Succeed and Fail once cancellation was
	// requested; the job must be finished with MarkCancelled instead.
	ErrCancelRequested = errors.New("job cancellation requested")
)

// Registry owns every Job record. All access is serialised by one mutex and
// callers only ever receive copies.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	newID func() string
	nowFn func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		newID: func() string { return uuid.New().String() },
		nowFn: time.Now,
	}
}

// Create validates req and allocates a pending job. The request is not
// executed here.
func (r *Registry) Create(req Request) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.jobs[id] != nil {
		id = r.newID()
	}

	job := NewJob(id, req)
	job.CreatedAt = r.nowFn()
	r.jobs[id] = job
	r.order = append(r.order, id)

	return *job, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs in creation order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, *r.jobs[id])
	}
	return result
}

// Stats returns the number of jobs per status.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{"total": len(r.jobs)}
	for _, s := range []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled} {
		stats[string(s)] = 0
	}
	for _, job := range r.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// RequestCancel flags a pending or running job for cooperative cancellation.
// For a terminal job it returns the unchanged snapshot and ErrTerminal.
func (r *Registry) RequestCancel(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return *job, ErrTerminal
	}
	job.CancelRequested = true
	return *job, nil
}

// MarkRunning moves a pending job to running.
func (r *Registry) MarkRunning(id string) (Job, error) {
	return r.update(id, func(job *Job) error {
		if job.Status != StatusPending {
			return fmt.Errorf("%w: status is %s", ErrNotRunning, job.Status)
		}
		job.Status = StatusRunning
		job.StartedAt = r.stamp()
		return nil
	})
}

// SetStage records the current phase label. It reports whether the label changed.
func (r *Registry) SetStage(id, stage string) (bool, error) {
	changed := false
	_, err := r.update(id, func(job *Job) error {
		if job.Status != StatusRunning {
			return ErrNotRunning
		}
		if job.Stage != stage {
			job.Stage = stage
			changed = true
		}
		return nil
	})
	return changed, err
}

// SetProgress records a percentage. Values are clamped to 0..100 and never
// lower the stored value; it reports whether the value changed.
func (r *Registry) SetProgress(id string, pct int) (bool, error) {
	pct = min(max(pct, 0), 100)

	changed := false
	_, err := r.update(id, func(job *Job) error {
		if job.Status != StatusRunning {
			return ErrNotRunning
		}
		if pct > job.Progress {
			job.Progress = pct
			changed = true
		}
		return nil
	})
	return changed, err
}

// Succeed finishes a running job with its artifact.
func (r *Registry) Succeed(id, result, artifactPath string) (Job, error) {
	return r.update(id, func(job *Job) error {
		if job.Status != StatusRunning {
			return ErrNotRunning
		}
		if job.CancelRequested {
			return ErrCancelRequested
		}
		job.Status = StatusSucceeded
		job.Result = result
		job.ArtifactPath = artifactPath
		job.FinishedAt = r.stamp()
		return nil
	})
}

// Fail finishes a pending or running job with an error message.
func (r *Registry) Fail(id, message string) (Job, error) {
	return r.update(id, func(job *Job) error {
		if job.CancelRequested {
			return ErrCancelRequested
		}
		job.Status = StatusFailed
		job.Error = message
		job.FinishedAt = r.stamp()
		return nil
	})
}

// MarkCancelled finishes a pending or running job as cancelled.
func (r *Registry) MarkCancelled(id string) (Job, error) {
	return r.update(id, func(job *Job) error {
		job.Status = StatusCancelled
		job.FinishedAt = r.stamp()
		return nil
	})
}

func (r *Registry) stamp() *time.Time {
	now := r.nowFn()
	return &now
}

// update applies fn under the write lock. Terminal jobs are never passed to fn.
func (r *Registry) update(id string, fn func(job *Job) error) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return *job, ErrTerminal
	}
	if err := fn(job); err != nil {
		return *job, err
	}
	return *job, nil
}

// Sweep removes jobs that have been terminal for longer than retention.
// Jobs for which inUse returns true are kept regardless of age.
func (r *Registry) Sweep(now time.Time, retention time.Duration, inUse func(id string) bool) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Job
	kept := r.order[:0]
	for _, id := range r.order {
		job := r.jobs[id]
		expired := job.Status.Terminal() && job.FinishedAt != nil && now.Sub(*job.FinishedAt) > retention
		if expired && (inUse == nil || !inUse(id)) {
			removed = append(removed, *job)
			delete(r.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	sort.Slice(removed, func(i, j int) bool {
		return removed[i].FinishedAt.Before(*removed[j].FinishedAt)
	})
	return removed
}
