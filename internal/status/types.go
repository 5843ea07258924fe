// Package status tracks in-flight and completed sync jobs per organization.
package status

import (
	"time"

	"github.com/google/uuid"

	"github.com/sprintforge/worksync/internal/hierarchy"
)

// JobStatus represents the lifecycle state of a sync job.
type JobStatus string

const (
	// JobPending means the job has been created but not started.
	JobPending JobStatus = "pending"

	// JobRunning means the job's traversal is in progress.
	JobRunning JobStatus = "running"

	// JobSucceeded means traversal completed with zero recorded errors.
	JobSucceeded JobStatus = "succeeded"

	// JobPartialFailure means some records or subtrees failed but traversal
	// completed.
	JobPartialFailure JobStatus = "partial_failure"

	// JobFailed means a fatal error prevented meaningful traversal.
	JobFailed JobStatus = "failed"

	// NeverSynced is the snapshot status for organizations with no job
	// history. It is never assigned to a real job.
	NeverSynced JobStatus = "never_synced"
)

// Terminal reports whether s is a final job state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobPartialFailure, JobFailed:
		return true
	}
	return false
}

// Scope identifies what a sync job covers.
type Scope string

const (
	// ScopeFull covers the organization's entire hierarchy.
	ScopeFull Scope = "full"

	// ScopeSingleBoard covers one list (board) and its tasks.
	ScopeSingleBoard Scope = "single_board"
)

// KindCounters holds per-entity-kind progress counts for one job.
type KindCounters struct {
	Fetched   int `json:"fetched"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Delta is an incremental progress update applied to a job's counters.
type Delta struct {
	Kind      hierarchy.Kind
	Fetched   int
	Inserted  int
	Updated   int
	Unchanged int
	Failed    int
}

// StageError records one failure encountered during traversal: a record that
// could not be mapped or upserted, or a subtree whose children could not be
// fetched.
type StageError struct {
	Kind             hierarchy.Kind `json:"kind"`
	ExternalID       string         `json:"external_id,omitempty"`
	ParentExternalID string         `json:"parent_external_id,omitempty"`
	Message          string         `json:"message"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

// Job represents one sync orchestration run. It is created when the
// organization's sync lock is acquired, mutated only by the orchestrator
// goroutine driving the run, and immutable once finalized.
type Job struct {
	ID         uuid.UUID
	OrgID      int64
	Scope      Scope
	BoardID    string
	Status     JobStatus
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Counters   map[hierarchy.Kind]*KindCounters
	Errors     []StageError

	// ErrorsTotal counts all recorded errors, including those dropped once
	// the Errors list reached its bound.
	ErrorsTotal int
}

// NewJob creates a pending job for the given organization and scope.
func NewJob(orgID int64, scope Scope, boardID string) *Job {
	return &Job{
		ID:        uuid.New(),
		OrgID:     orgID,
		Scope:     scope,
		BoardID:   boardID,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Counters:  make(map[hierarchy.Kind]*KindCounters),
	}
}

// counters returns the counter bucket for the given kind, creating it on
// first use.
func (j *Job) counters(kind hierarchy.Kind) *KindCounters {
	c, ok := j.Counters[kind]
	if !ok {
		c = &KindCounters{}
		j.Counters[kind] = c
	}
	return c
}

// Snapshot is an immutable copy of a job's state, safe to hand to concurrent
// readers while the orchestrator keeps mutating the underlying job.
type Snapshot struct {
	JobID       uuid.UUID                       `json:"job_id,omitempty"`
	OrgID       int64                           `json:"org_id"`
	Scope       Scope                           `json:"scope,omitempty"`
	BoardID     string                          `json:"board_id,omitempty"`
	Status      JobStatus                       `json:"status"`
	Message     string                          `json:"message,omitempty"`
	StartedAt   *time.Time                      `json:"started_at,omitempty"`
	FinishedAt  *time.Time                      `json:"finished_at,omitempty"`
	Counters    map[hierarchy.Kind]KindCounters `json:"counters,omitempty"`
	Errors      []StageError                    `json:"errors,omitempty"`
	ErrorsTotal int                             `json:"errors_total,omitempty"`
}

// snapshot copies the job's current state.
func (j *Job) snapshot() Snapshot {
	counters := make(map[hierarchy.Kind]KindCounters, len(j.Counters))
	for kind, c := range j.Counters {
		counters[kind] = *c
	}
	errs := make([]StageError, len(j.Errors))
	copy(errs, j.Errors)

	started := j.StartedAt
	s := Snapshot{
		JobID:       j.ID,
		OrgID:       j.OrgID,
		Scope:       j.Scope,
		BoardID:     j.BoardID,
		Status:      j.Status,
		Message:     j.Message,
		StartedAt:   &started,
		Counters:    counters,
		Errors:      errs,
		ErrorsTotal: j.ErrorsTotal,
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		s.FinishedAt = &finished
	}
	return s
}
