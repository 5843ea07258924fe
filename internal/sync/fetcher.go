package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sprintforge/worksync/internal/clickup"
	"github.com/sprintforge/worksync/internal/hierarchy"
)

const (
	// defaultMaxAttempts bounds retries of a single page request.
	defaultMaxAttempts = 5

	// defaultInitialInterval seeds the exponential backoff between attempts.
	defaultInitialInterval = 500 * time.Millisecond

	// defaultMaxInterval caps the backoff between attempts.
	defaultMaxInterval = 30 * time.Second
)

// Source is the upstream API surface the fetcher consumes: one page of child
// records of a kind under a parent, plus the cursor for the next page (empty
// when exhausted).
type Source interface {
	ListChildren(
		ctx context.Context,
		kind hierarchy.Kind,
		parentKind hierarchy.Kind,
		parentExternalID string,
		cursor string,
		since time.Time,
	) ([]clickup.RawRecord, string, error)
}

// SourceFactory builds a Source authenticated for one organization.
type SourceFactory interface {
	SourceFor(ctx context.Context, orgID int64) (Source, error)
}

// Fetcher wraps a Source with pagination and retry: transient failures
// (transport errors, 5xx, rate limits) are retried with exponential backoff
// and jitter up to a bounded number of attempts, and a rate-limit response's
// retry-after hint delays the next attempt. Exhausting the budget surfaces a
// FetchError; pages are never silently dropped.
type Fetcher struct {
	src             Source
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithMaxAttempts bounds per-page retry attempts.
func WithMaxAttempts(n uint) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackoffIntervals overrides the initial and maximum backoff intervals.
func WithBackoffIntervals(initial, maxInterval time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if initial > 0 {
			f.initialInterval = initial
		}
		if maxInterval > 0 {
			f.maxInterval = maxInterval
		}
	}
}

// NewFetcher creates a fetcher over the given source.
func NewFetcher(src Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		src:             src,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch starts a forward-only page sequence of children of the given kind
// under the given parent. The sequence is finite and consumed exactly once;
// it is not resumable mid-stream, and a fresh Fetch re-issues from the first
// page. A retried page re-issues the same page request, never the whole
// sequence.
func (f *Fetcher) Fetch(
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	since time.Time,
) *PageIter {
	return &PageIter{
		fetcher:          f,
		kind:             kind,
		parentKind:       parentKind,
		parentExternalID: parentExternalID,
		since:            since,
	}
}

// PageIter yields successive pages of raw records.
type PageIter struct {
	fetcher          *Fetcher
	kind             hierarchy.Kind
	parentKind       hierarchy.Kind
	parentExternalID string
	since            time.Time

	cursor string
	done   bool
}

// Next fetches the next page. It returns ok=false once the sequence is
// exhausted; a non-nil error is a *FetchError and terminates the sequence.
func (it *PageIter) Next(ctx context.Context) ([]clickup.RawRecord, bool, error) {
	if it.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		it.done = true
		return nil, false, err
	}

	records, nextCursor, err := it.fetcher.fetchPage(ctx, it.kind, it.parentKind, it.parentExternalID, it.cursor, it.since)
	if err != nil {
		it.done = true
		if ctx.Err() != nil {
			// Job cancellation, not an upstream failure.
			return nil, false, ctx.Err()
		}
		return nil, false, &FetchError{
			Kind:             it.kind,
			ParentExternalID: it.parentExternalID,
			Err:              err,
		}
	}

	it.cursor = nextCursor
	if nextCursor == "" {
		it.done = true
	}
	return records, true, nil
}

// fetchPage retrieves a single page, retrying transient failures.
func (f *Fetcher) fetchPage(
	ctx context.Context,
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	cursor string,
	since time.Time,
) ([]clickup.RawRecord, string, error) {
	type page struct {
		records    []clickup.RawRecord
		nextCursor string
	}

	operation := func() (page, error) {
		records, nextCursor, err := f.src.ListChildren(ctx, kind, parentKind, parentExternalID, cursor, since)
		if err != nil {
			return page{}, classifyFetchError(err)
		}
		return page{records: records, nextCursor: nextCursor}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.maxAttempts),
	)
	if err != nil {
		return nil, "", err
	}
	return result.records, result.nextCursor, nil
}

// classifyFetchError decides whether an upstream error is worth retrying.
// Rate limits retry after the server-provided delay, server-side and
// transport errors retry with backoff, and everything else (bad request,
// missing parent) fails immediately.
func classifyFetchError(err error) error {
	var rateLimited *clickup.RateLimitError
	if errors.As(err, &rateLimited) {
		if rateLimited.RetryAfter > 0 {
			return &backoff.RetryAfterError{Duration: rateLimited.RetryAfter}
		}
		return err
	}

	var httpErr *clickup.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	// Transport-level failure: retryable.
	return err
}
