package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxRecordedErrors bounds the per-job error list surfaced to status queries.
// Further errors still increment ErrorsTotal and the failure counters.
const MaxRecordedErrors = 20

// ErrJobInProgress is returned when a job is registered for an organization
// that already has one running.
var ErrJobInProgress = errors.New("sync already in progress")

// Registry is the process-wide view of sync jobs, keyed by organization.
// Status queries read concurrently; for a given job only the orchestrator
// goroutine driving that job writes.
type Registry struct {
	mu    sync.RWMutex
	byOrg map[int64]*entry
	byJob map[uuid.UUID]*entry
}

type entry struct {
	job    *Job
	cancel context.CancelFunc
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		byOrg: make(map[int64]*entry),
		byJob: make(map[uuid.UUID]*entry),
	}
}

// Register records a new job for its organization and stores the cancel
// function used to interrupt it. It fails with ErrJobInProgress when the
// organization already has a non-terminal job, preserving at most one active
// sync per organization even if the caller's lock check raced.
func (r *Registry) Register(job *Job, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byOrg[job.OrgID]; ok && !existing.job.Status.Terminal() {
		return ErrJobInProgress
	}

	e := &entry{job: job, cancel: cancel}
	r.byOrg[job.OrgID] = e
	r.byJob[job.ID] = e
	return nil
}

// MarkRunning transitions a pending job to running.
func (r *Registry) MarkRunning(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byJob[jobID]; ok && e.job.Status == JobPending {
		e.job.Status = JobRunning
	}
}

// RecordProgress applies a counter delta to the job.
func (r *Registry) RecordProgress(jobID uuid.UUID, delta Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byJob[jobID]
	if !ok || e.job.Status.Terminal() {
		return
	}

	c := e.job.counters(delta.Kind)
	c.Fetched += delta.Fetched
	c.Inserted += delta.Inserted
	c.Updated += delta.Updated
	c.Unchanged += delta.Unchanged
	c.Failed += delta.Failed
}

// RecordError appends a stage error to the job's error list, dropping the
// detail once the list is full. The total always increments.
func (r *Registry) RecordError(jobID uuid.UUID, stageErr StageError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byJob[jobID]
	if !ok || e.job.Status.Terminal() {
		return
	}

	if stageErr.OccurredAt.IsZero() {
		stageErr.OccurredAt = time.Now().UTC()
	}
	e.job.ErrorsTotal++
	if len(e.job.Errors) < MaxRecordedErrors {
		e.job.Errors = append(e.job.Errors, stageErr)
	}
}

// Finalize moves the job into a terminal state. Later calls for the same job
// are ignored, so a cancellation racing completion settles on whichever
// terminal state landed first. The job-id index entry is dropped here: only
// the per-organization index keeps the most recent job, so the registry's
// footprint stays bounded by the number of organizations rather than growing
// with every job ever run.
func (r *Registry) Finalize(jobID uuid.UUID, jobStatus JobStatus, message string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byJob[jobID]
	if !ok || e.job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	e.job.Status = jobStatus
	e.job.Message = message
	e.job.FinishedAt = &now
	e.cancel = nil
	delete(r.byJob, jobID)
	return e.job
}

// Cancel interrupts the organization's running job, if any. The job itself
// finalizes as failed once the orchestrator observes the cancellation.
func (r *Registry) Cancel(orgID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byOrg[orgID]
	if !ok || e.job.Status.Terminal() || e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// Snapshot returns the current or most recent job for the organization. An
// organization with no job history gets a well-defined NeverSynced snapshot,
// not an error.
func (r *Registry) Snapshot(orgID int64) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byOrg[orgID]
	if !ok {
		return Snapshot{OrgID: orgID, Status: NeverSynced}
	}
	return e.job.snapshot()
}

// JobSnapshot returns the snapshot of a specific live job id. Finalized jobs
// are only reachable through their organization's Snapshot.
func (r *Registry) JobSnapshot(jobID uuid.UUID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byJob[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return e.job.snapshot(), true
}
