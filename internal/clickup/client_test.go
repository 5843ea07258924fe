package clickup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintforge/worksync/internal/hierarchy"
)

func TestListChildrenPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		kind       hierarchy.Kind
		parentKind hierarchy.Kind
		parentID   string
		wantPath   string
		response   string
		wantCount  int
	}{
		{
			name:      "teams",
			kind:      hierarchy.KindTeam,
			wantPath:  "/team",
			response:  `{"teams":[{"id":"1"},{"id":"2"}]}`,
			wantCount: 2,
		},
		{
			name:       "spaces under team",
			kind:       hierarchy.KindSpace,
			parentKind: hierarchy.KindTeam,
			parentID:   "9",
			wantPath:   "/team/9/space",
			response:   `{"spaces":[{"id":"s1"}]}`,
			wantCount:  1,
		},
		{
			name:       "folders under space",
			kind:       hierarchy.KindFolder,
			parentKind: hierarchy.KindSpace,
			parentID:   "s1",
			wantPath:   "/space/s1/folder",
			response:   `{"folders":[]}`,
			wantCount:  0,
		},
		{
			name:       "lists under folder",
			kind:       hierarchy.KindList,
			parentKind: hierarchy.KindFolder,
			parentID:   "f1",
			wantPath:   "/folder/f1/list",
			response:   `{"lists":[{"id":"l1"}]}`,
			wantCount:  1,
		},
		{
			name:       "folderless lists under space",
			kind:       hierarchy.KindList,
			parentKind: hierarchy.KindSpace,
			parentID:   "s1",
			wantPath:   "/space/s1/list",
			response:   `{"lists":[{"id":"l2"}]}`,
			wantCount:  1,
		},
		{
			name:       "tasks under list",
			kind:       hierarchy.KindTask,
			parentKind: hierarchy.KindList,
			parentID:   "l1",
			wantPath:   "/list/l1/task",
			response:   `{"tasks":[{"id":"t1"}],"last_page":true}`,
			wantCount:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			c := New(srv.URL, "tok_123")
			records, next, err := c.ListChildren(
				context.Background(), tt.kind, tt.parentKind, tt.parentID, "", time.Time{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, gotPath)
			assert.Equal(t, "tok_123", gotAuth)
			assert.Len(t, records, tt.wantCount)
			assert.Empty(t, next)
		})
	}
}

func TestListChildrenListParentKindRequired(t *testing.T) {
	t.Parallel()

	c := New("http://unused.invalid", "tok")
	_, _, err := c.ListChildren(
		context.Background(), hierarchy.KindList, hierarchy.KindTeam, "9", "", time.Time{})
	require.Error(t, err)
}

func TestTaskPagination(t *testing.T) {
	t.Parallel()

	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		if page == "1" {
			_, _ = w.Write([]byte(`{"tasks":[{"id":"t2"}],"last_page":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"tasks":[{"id":"t1"}],"last_page":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ctx := context.Background()

	records, next, err := c.ListChildren(ctx, hierarchy.KindTask, hierarchy.KindList, "l1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1", next)

	records, next, err = c.ListChildren(ctx, hierarchy.KindTask, hierarchy.KindList, "l1", next, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, next)

	assert.Equal(t, []string{"0", "1"}, pages)
}

func TestTaskPaginationTerminates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing last_page",
			body: `{"tasks":[{"id":"t1"}]}`,
		},
		{
			name: "empty page without last_page",
			body: `{"tasks":[]}`,
		},
		{
			name: "empty page claiming more",
			body: `{"tasks":[],"last_page":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "tok")
			_, next, err := c.ListChildren(
				context.Background(), hierarchy.KindTask, hierarchy.KindList, "l1", "", time.Time{})
			require.NoError(t, err)
			assert.Empty(t, next)
		})
	}
}

func TestTaskSinceBound(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"tasks":[],"last_page":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, _, err := c.ListChildren(
		context.Background(), hierarchy.KindTask, hierarchy.KindList, "l1", "", since)
	require.NoError(t, err)

	require.Contains(t, gotQuery, "date_updated_gt")
	assert.Equal(t, "1709251200000", gotQuery["date_updated_gt"][0])
	assert.Equal(t, "updated", gotQuery["order_by"][0])
	assert.Equal(t, "true", gotQuery["subtasks"][0])
	assert.Equal(t, "true", gotQuery["include_closed"][0])
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, _, err := c.ListChildren(
		context.Background(), hierarchy.KindTeam, "", "", "", time.Time{})

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 7*time.Second, rateErr.RetryAfter)
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantRetryable bool
		wantNotFound  bool
	}{
		{name: "not found", status: http.StatusNotFound, wantNotFound: true},
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(srv.URL, "tok")
			_, _, err := c.ListChildren(
				context.Background(), hierarchy.KindTeam, "", "", "", time.Time{})

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.wantRetryable, httpErr.Retryable())
			assert.Equal(t, tt.wantNotFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
}
