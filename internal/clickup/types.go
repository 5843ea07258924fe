package clickup

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawRecord is one undecoded entity record as returned by the upstream API.
// Decoding into typed fields is the mapper's job, so that a malformed record
// fails at mapping time instead of poisoning a whole page.
type RawRecord = json.RawMessage

// ErrNotFound is returned when the upstream reports that the requested parent
// entity does not exist.
var ErrNotFound = errors.New("upstream entity not found")

// HTTPError represents a non-2xx response from the upstream API.
type HTTPError struct {
	StatusCode int
	URL        string
	Status     string
}

// NewHTTPError creates an HTTPError with the given details.
func NewHTTPError(statusCode int, url, status string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Status:     status,
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream request failed: %s (status %d) for %s", e.Status, e.StatusCode, e.URL)
}

// Is makes a 404 HTTPError match ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// Retryable reports whether the error is worth retrying: server-side failures
// are transient, client-side failures are not.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500
}

// RateLimitError is returned on a 429 response. RetryAfter carries the
// server-provided hint when present, zero otherwise.
type RateLimitError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited (retry after %s) for %s", e.RetryAfter, e.URL)
	}
	return fmt.Sprintf("upstream rate limited for %s", e.URL)
}

// listEnvelope is the response shape shared by all list endpoints. Each
// endpoint populates exactly one of the entity arrays; the task endpoint
// additionally reports pagination state.
type listEnvelope struct {
	Teams   []RawRecord `json:"teams"`
	Spaces  []RawRecord `json:"spaces"`
	Folders []RawRecord `json:"folders"`
	Lists   []RawRecord `json:"lists"`
	Tasks   []RawRecord `json:"tasks"`

	LastPage *bool `json:"last_page"`
}
