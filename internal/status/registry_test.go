package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintforge/worksync/internal/hierarchy"
)

func TestSnapshotNeverSynced(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	snap := r.Snapshot(7)

	assert.Equal(t, int64(7), snap.OrgID)
	assert.Equal(t, NeverSynced, snap.Status)
	assert.Nil(t, snap.StartedAt)
}

func TestRegisterRejectsSecondActiveJob(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(first, func() {}))

	second := NewJob(1, ScopeFull, "")
	require.ErrorIs(t, r.Register(second, func() {}), ErrJobInProgress)

	// A different organization is unaffected.
	other := NewJob(2, ScopeFull, "")
	require.NoError(t, r.Register(other, func() {}))

	// Once the first job finalizes, registration reopens.
	r.Finalize(first.ID, JobSucceeded, "")
	third := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(third, func() {}))
}

func TestProgressAndSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	job := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(job, func() {}))
	r.MarkRunning(job.ID)

	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTask, Fetched: 10, Inserted: 4, Updated: 3, Unchanged: 2, Failed: 1})
	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTask, Fetched: 5, Inserted: 5})
	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindSpace, Fetched: 1, Inserted: 1})

	snap := r.Snapshot(1)
	assert.Equal(t, JobRunning, snap.Status)
	assert.Equal(t, KindCounters{Fetched: 15, Inserted: 9, Updated: 3, Unchanged: 2, Failed: 1}, snap.Counters[hierarchy.KindTask])
	assert.Equal(t, KindCounters{Fetched: 1, Inserted: 1}, snap.Counters[hierarchy.KindSpace])
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	job := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(job, func() {}))
	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTeam, Fetched: 1})

	snap := r.Snapshot(1)
	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTeam, Fetched: 9})

	assert.Equal(t, 1, snap.Counters[hierarchy.KindTeam].Fetched, "snapshot must not observe later writes")
}

func TestRecordErrorBounded(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	job := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(job, func() {}))

	for i := 0; i < MaxRecordedErrors+15; i++ {
		r.RecordError(job.ID, StageError{Kind: hierarchy.KindTask, Message: "boom"})
	}

	snap := r.Snapshot(1)
	assert.Len(t, snap.Errors, MaxRecordedErrors)
	assert.Equal(t, MaxRecordedErrors+15, snap.ErrorsTotal)
	assert.False(t, snap.Errors[0].OccurredAt.IsZero())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	job := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(job, func() {}))
	r.MarkRunning(job.ID)

	finalized := r.Finalize(job.ID, JobPartialFailure, "completed with 3 errors")
	require.NotNil(t, finalized)
	assert.Equal(t, JobPartialFailure, finalized.Status)
	assert.NotNil(t, finalized.FinishedAt)

	// A racing second finalization loses.
	assert.Nil(t, r.Finalize(job.ID, JobFailed, "cancelled"))
	assert.Equal(t, JobPartialFailure, r.Snapshot(1).Status)

	// Terminal jobs stop accumulating progress and errors.
	r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTask, Fetched: 1})
	r.RecordError(job.ID, StageError{Message: "late"})
	snap := r.Snapshot(1)
	assert.Empty(t, snap.Counters)
	assert.Zero(t, snap.ErrorsTotal)
}

func TestFinalizeEvictsJobIndex(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	// Many jobs over the lifetime of the process must not accumulate in the
	// job-id index; only the per-organization latest snapshot is retained.
	for i := 0; i < 1000; i++ {
		job := NewJob(1, ScopeFull, "")
		require.NoError(t, r.Register(job, func() {}))
		r.MarkRunning(job.ID)
		require.NotNil(t, r.Finalize(job.ID, JobSucceeded, ""))

		_, live := r.JobSnapshot(job.ID)
		assert.False(t, live)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.byJob, 0)
	assert.Len(t, r.byOrg, 1)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	assert.False(t, r.Cancel(1), "no job registered")

	job := NewJob(1, ScopeFull, "")
	cancelled := false
	require.NoError(t, r.Register(job, func() { cancelled = true }))
	r.MarkRunning(job.ID)

	assert.True(t, r.Cancel(1))
	assert.True(t, cancelled)

	r.Finalize(job.ID, JobFailed, "cancelled")
	assert.False(t, r.Cancel(1), "terminal job cannot be cancelled")
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	job := NewJob(1, ScopeFull, "")
	require.NoError(t, r.Register(job, func() {}))
	r.MarkRunning(job.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordProgress(job.ID, Delta{Kind: hierarchy.KindTask, Fetched: 1})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Snapshot(1)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot(1)
	assert.Equal(t, 800, snap.Counters[hierarchy.KindTask].Fetched)
}
