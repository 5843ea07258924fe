package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintforge/worksync/database"
	"github.com/sprintforge/worksync/internal/hierarchy"
	"github.com/sprintforge/worksync/internal/status"
	"github.com/sprintforge/worksync/internal/store"
)

func taskNode(externalID string, updatedAt time.Time) *hierarchy.Node {
	return &hierarchy.Node{
		OrgID:             1,
		Kind:              hierarchy.KindTask,
		ExternalID:        externalID,
		ParentExternalID:  "list1",
		Name:              "Write report",
		Payload:           map[string]any{"status": "open"},
		ExternalUpdatedAt: updatedAt,
	}
}

func TestUpsertLifecycle(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	st := store.New(pool)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// First delivery inserts and assigns an internal id.
	node := taskNode("task1", base)
	outcome, err := st.Upsert(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, outcome)
	require.NotZero(t, node.InternalID)
	firstID := node.InternalID

	// Re-delivery of the identical record is a no-op.
	outcome, err = st.Upsert(ctx, taskNode("task1", base))
	require.NoError(t, err)
	assert.Equal(t, store.Unchanged, outcome)

	// A newer record replaces the row but keeps the internal id.
	newer := taskNode("task1", base.Add(time.Hour))
	newer.Name = "Write report v2"
	newer.Payload = map[string]any{"status": "done"}
	outcome, err = st.Upsert(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, store.Updated, outcome)
	assert.Equal(t, firstID, newer.InternalID)

	// A stale record arriving late loses the compare-and-set.
	stale := taskNode("task1", base.Add(-time.Hour))
	stale.Name = "Stale name"
	outcome, err = st.Upsert(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, store.Unchanged, outcome)

	got, err := st.GetNode(ctx, 1, hierarchy.KindTask, "task1")
	require.NoError(t, err)
	assert.Equal(t, firstID, got.InternalID)
	assert.Equal(t, "Write report v2", got.Name)
	assert.Equal(t, "done", got.Payload["status"])
	assert.True(t, got.ExternalUpdatedAt.Equal(base.Add(time.Hour)))
}

func TestUpsertScopedByOrgAndKind(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	st := store.New(pool)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The same external id under different orgs or kinds is a distinct row.
	a := taskNode("shared", ts)
	b := taskNode("shared", ts)
	b.OrgID = 2
	c := taskNode("shared", ts)
	c.Kind = hierarchy.KindList

	for _, node := range []*hierarchy.Node{a, b, c} {
		outcome, err := st.Upsert(ctx, node)
		require.NoError(t, err)
		assert.Equal(t, store.Inserted, outcome)
	}
	assert.NotEqual(t, a.InternalID, b.InternalID)
	assert.NotEqual(t, a.InternalID, c.InternalID)
}

func TestGetNodeNotFound(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	st := store.New(pool)
	node, err := st.GetNode(context.Background(), 1, hierarchy.KindList, "missing")
	require.ErrorIs(t, err, store.ErrNodeNotFound)
	assert.Nil(t, node)
}

func TestWatermarkMonotonic(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	st := store.New(pool)

	// No watermark recorded yet.
	wm, err := st.Watermark(ctx, 1, hierarchy.KindTask)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	// A zero advance is ignored.
	require.NoError(t, st.AdvanceWatermark(ctx, 1, hierarchy.KindTask, time.Time{}))
	wm, err = st.Watermark(ctx, 1, hierarchy.KindTask)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.AdvanceWatermark(ctx, 1, hierarchy.KindTask, t1))

	// Moving backwards is rejected by the statement guard.
	require.NoError(t, st.AdvanceWatermark(ctx, 1, hierarchy.KindTask, t1.Add(-time.Hour)))
	wm, err = st.Watermark(ctx, 1, hierarchy.KindTask)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))

	// Moving forward sticks.
	t2 := t1.Add(48 * time.Hour)
	require.NoError(t, st.AdvanceWatermark(ctx, 1, hierarchy.KindTask, t2))
	wm, err = st.Watermark(ctx, 1, hierarchy.KindTask)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))

	// Kinds are independent.
	wm, err = st.Watermark(ctx, 1, hierarchy.KindList)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestSaveJobUpsertsByID(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	st := store.New(pool)

	job := status.NewJob(1, status.ScopeFull, "")
	job.Status = status.JobRunning
	require.NoError(t, st.SaveJob(ctx, job))

	finished := time.Now().UTC()
	job.Status = status.JobSucceeded
	job.FinishedAt = &finished
	require.NoError(t, st.SaveJob(ctx, job))

	var (
		count     int
		statusStr string
	)
	err := pool.QueryRow(ctx, "SELECT count(*) FROM sync_jobs WHERE org_id = 1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = pool.QueryRow(ctx, "SELECT status FROM sync_jobs WHERE id = $1", job.ID).Scan(&statusStr)
	require.NoError(t, err)
	assert.Equal(t, string(status.JobSucceeded), statusStr)
}

func TestIntegrationRoundTrip(t *testing.T) {
	pool, cleanup := database.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	st := store.New(pool)

	_, err := st.GetIntegration(ctx, 1, "CLICKUP")
	require.ErrorIs(t, err, store.ErrIntegrationNotFound)

	integ := &store.Integration{OrgID: 1, Provider: "CLICKUP", AccessToken: "tok_abc", TeamID: "team1"}
	require.NoError(t, st.SaveIntegration(ctx, integ))

	got, err := st.GetIntegration(ctx, 1, "CLICKUP")
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", got.AccessToken)
	assert.Equal(t, "team1", got.TeamID)

	// Saving again rotates the credential in place.
	integ.AccessToken = "tok_rotated"
	require.NoError(t, st.SaveIntegration(ctx, integ))

	got, err = st.GetIntegration(ctx, 1, "CLICKUP")
	require.NoError(t, err)
	assert.Equal(t, "tok_rotated", got.AccessToken)
}
