package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintforge/worksync/internal/clickup"
	"github.com/sprintforge/worksync/internal/hierarchy"
)

type sourceResponse struct {
	records []clickup.RawRecord
	next    string
	err     error
}

// scriptedSource returns its responses in call order, repeating the last one
// when the script runs out. It records the cursors it was asked for.
type scriptedSource struct {
	mu        stdsync.Mutex
	responses []sourceResponse
	calls     int
	cursors   []string
}

func (s *scriptedSource) ListChildren(
	_ context.Context,
	_ hierarchy.Kind,
	_ hierarchy.Kind,
	_ string,
	cursor string,
	_ time.Time,
) ([]clickup.RawRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	s.cursors = append(s.cursors, cursor)

	resp := s.responses[idx]
	return resp.records, resp.next, resp.err
}

func fastFetcher(src Source, opts ...FetcherOption) *Fetcher {
	base := []FetcherOption{WithBackoffIntervals(time.Millisecond, 2*time.Millisecond)}
	return NewFetcher(src, append(base, opts...)...)
}

func rawRecords(ids ...string) []clickup.RawRecord {
	records := make([]clickup.RawRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, clickup.RawRecord(`{"id":"`+id+`"}`))
	}
	return records
}

func TestFetchSinglePage(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{responses: []sourceResponse{
		{records: rawRecords("a", "b")},
	}}

	iter := fastFetcher(src).Fetch(hierarchy.KindTeam, "", "", time.Time{})

	records, ok, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, records, 2)

	_, ok, err = iter.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchFollowsCursors(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{responses: []sourceResponse{
		{records: rawRecords("t1"), next: "1"},
		{records: rawRecords("t2"), next: "2"},
		{records: rawRecords("t3")},
	}}

	iter := fastFetcher(src).Fetch(hierarchy.KindTask, hierarchy.KindList, "l1", time.Time{})

	var total int
	for {
		records, ok, err := iter.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		total += len(records)
	}

	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"", "1", "2"}, src.cursors)
}

func TestFetchRetriesServerError(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{responses: []sourceResponse{
		{err: clickup.NewHTTPError(500, "u", "500 Internal Server Error")},
		{records: rawRecords("a")},
	}}

	iter := fastFetcher(src).Fetch(hierarchy.KindTeam, "", "", time.Time{})

	records, ok, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, records, 1)
	assert.Equal(t, 2, src.calls)
}

func TestFetchRetriesRateLimitWithHint(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{responses: []sourceResponse{
		{err: &clickup.RateLimitError{URL: "u", RetryAfter: time.Millisecond}},
		{records: rawRecords("a")},
	}}

	iter := fastFetcher(src).Fetch(hierarchy.KindTeam, "", "", time.Time{})

	_, ok, err := iter.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, src.calls)
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	upstream := clickup.NewHTTPError(400, "u", "400 Bad Request")
	src := &scriptedSource{responses: []sourceResponse{{err: upstream}}}

	iter := fastFetcher(src).Fetch(hierarchy.KindSpace, hierarchy.KindTeam, "9", time.Time{})

	_, _, err := iter.Next(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, hierarchy.KindSpace, fetchErr.Kind)
	assert.Equal(t, "9", fetchErr.ParentExternalID)

	var httpErr *clickup.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 1, src.calls, "client errors must not be retried")
}

func TestFetchRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{responses: []sourceResponse{
		{err: clickup.NewHTTPError(503, "u", "503 Service Unavailable")},
	}}

	iter := fastFetcher(src, WithMaxAttempts(3)).Fetch(hierarchy.KindTeam, "", "", time.Time{})

	_, _, err := iter.Next(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 3, src.calls)

	// The sequence is terminated after a failure.
	_, ok, err := iter.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &scriptedSource{responses: []sourceResponse{{records: rawRecords("a")}}}
	iter := fastFetcher(src).Fetch(hierarchy.KindTeam, "", "", time.Time{})

	_, ok, err := iter.Next(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)

	var fetchErr *FetchError
	assert.False(t, errors.As(err, &fetchErr), "cancellation must not be reported as an upstream failure")
}
