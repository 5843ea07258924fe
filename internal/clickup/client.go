// Package clickup implements the upstream project-management API client.
// It speaks the ClickUp v2 wire protocol: bearer-style token auth, JSON
// envelopes keyed by entity type, and page-number pagination on the task
// endpoint only.
package clickup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sprintforge/worksync/internal/hierarchy"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.clickup.com/api/v2"

	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies (10MB). Task pages are bounded
	// upstream at 100 records, so anything larger is a protocol violation.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "worksync/1.0"
)

// Client fetches entity records from the upstream API for one organization's
// integration token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = timeout
	}
}

// New creates a client for the given API base URL and integration token.
func New(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListChildren fetches one page of child records of the given kind under the
// given parent. The cursor is opaque to callers: empty requests the first
// page, and the returned next cursor is empty once the sequence is exhausted.
// Only the task endpoint paginates upstream; all other kinds return a single
// page. The since bound is forwarded as date_updated_gt where the upstream
// supports it (tasks only).
func (c *Client) ListChildren(
	ctx context.Context,
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	cursor string,
	since time.Time,
) ([]RawRecord, string, error) {
	reqURL, err := c.buildURL(kind, parentKind, parentExternalID, cursor, since)
	if err != nil {
		return nil, "", err
	}

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, "", err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("failed to decode response from %s: %w", reqURL, err)
	}

	records, err := envelope.records(kind)
	if err != nil {
		return nil, "", err
	}

	// Continue only on an explicit last_page=false with a non-empty page:
	// a response that omits last_page, or returns no tasks, ends the
	// sequence so it stays finite whatever the upstream sends.
	nextCursor := ""
	if kind == hierarchy.KindTask && envelope.LastPage != nil && !*envelope.LastPage && len(records) > 0 {
		page := 0
		if cursor != "" {
			page, err = strconv.Atoi(cursor)
			if err != nil {
				return nil, "", fmt.Errorf("invalid page cursor %q: %w", cursor, err)
			}
		}
		nextCursor = strconv.Itoa(page + 1)
	}

	return records, nextCursor, nil
}

func (c *Client) buildURL(
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	cursor string,
	since time.Time,
) (string, error) {
	switch kind {
	case hierarchy.KindTeam:
		return c.baseURL + "/team", nil

	case hierarchy.KindSpace:
		return fmt.Sprintf("%s/team/%s/space?archived=false", c.baseURL, url.PathEscape(parentExternalID)), nil

	case hierarchy.KindFolder:
		return fmt.Sprintf("%s/space/%s/folder?archived=false", c.baseURL, url.PathEscape(parentExternalID)), nil

	case hierarchy.KindList:
		// Lists live under folders, or directly under spaces (folderless).
		switch parentKind {
		case hierarchy.KindFolder:
			return fmt.Sprintf("%s/folder/%s/list?archived=false", c.baseURL, url.PathEscape(parentExternalID)), nil
		case hierarchy.KindSpace:
			return fmt.Sprintf("%s/space/%s/list?archived=false", c.baseURL, url.PathEscape(parentExternalID)), nil
		default:
			return "", fmt.Errorf("lists cannot be fetched under parent kind %q", parentKind)
		}

	case hierarchy.KindTask:
		q := url.Values{}
		page := "0"
		if cursor != "" {
			page = cursor
		}
		q.Set("page", page)
		q.Set("order_by", "updated")
		q.Set("subtasks", "true")
		q.Set("include_closed", "true")
		if !since.IsZero() {
			q.Set("date_updated_gt", strconv.FormatInt(since.UnixMilli(), 10))
		}
		return fmt.Sprintf("%s/list/%s/task?%s", c.baseURL, url.PathEscape(parentExternalID), q.Encode()), nil

	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// get performs an authenticated GET and returns the response body.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{
			URL:        reqURL,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, NewHTTPError(resp.StatusCode, reqURL, resp.Status)
	}

	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response from %s exceeds maximum size of %d bytes", reqURL, MaxResponseSize)
	}

	return body, nil
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
// The upstream does not use the HTTP-date form.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (e *listEnvelope) records(kind hierarchy.Kind) ([]RawRecord, error) {
	switch kind {
	case hierarchy.KindTeam:
		return e.Teams, nil
	case hierarchy.KindSpace:
		return e.Spaces, nil
	case hierarchy.KindFolder:
		return e.Folders, nil
	case hierarchy.KindList:
		return e.Lists, nil
	case hierarchy.KindTask:
		return e.Tasks, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}
