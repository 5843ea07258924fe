package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintforge/worksync/internal/api"
	v0 "github.com/sprintforge/worksync/internal/api/v0"
	"github.com/sprintforge/worksync/internal/status"
)

type stubService struct{}

func (stubService) StartFullSync(_ context.Context, orgID int64, _ time.Duration) (*status.Job, error) {
	return status.NewJob(orgID, status.ScopeFull, ""), nil
}

func (stubService) StartBoardSync(_ context.Context, orgID int64, boardID string, _ time.Duration) (*status.Job, error) {
	return status.NewJob(orgID, status.ScopeSingleBoard, boardID), nil
}

func (stubService) Cancel(int64) bool { return false }

func (stubService) Status(orgID int64) status.Snapshot {
	return status.Snapshot{OrgID: orgID, Status: status.NeverSynced}
}

func TestServerMountsRoutes(t *testing.T) {
	t.Parallel()

	server := api.NewServer(stubService{},
		api.WithMiddlewares(middleware.RequestID, api.LoggingMiddleware),
	)

	tests := []struct {
		method string
		path   string
		body   string
		code   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/version", "", http.StatusOK},
		{http.MethodPost, "/api/v0/sync", `{"org_id":1}`, http.StatusAccepted},
		{http.MethodPost, "/api/v0/sync/board", `{"org_id":1,"board_id":"list1"}`, http.StatusAccepted},
		{http.MethodGet, "/api/v0/sync/status/1", "", http.StatusOK},
		{http.MethodPost, "/api/v0/sync/cancel/1", "", http.StatusNotFound},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		assert.Equal(t, tt.code, rec.Code, "%s %s", tt.method, tt.path)
	}
}

func TestServerStatusPassthrough(t *testing.T) {
	t.Parallel()

	server := api.NewServer(stubService{},
		api.WithSyncRouteOptions(v0.WithDefaultLookbackDays(7)),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v0/sync/status/12", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, int64(12), snap.OrgID)
	assert.Equal(t, status.NeverSynced, snap.Status)
}
