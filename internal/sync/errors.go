package sync

import (
	"errors"
	"fmt"

	"github.com/sprintforge/worksync/internal/hierarchy"
)

// ErrSyncInProgress is returned by trigger operations when the organization
// already has an active sync.
var ErrSyncInProgress = errors.New("sync already in progress for organization")

// ErrBoardNotFound means a single-board sync targeted a board that does not
// exist for the organization.
var ErrBoardNotFound = errors.New("board not found")

// ErrCancelled is the finalization cause for an externally cancelled job.
var ErrCancelled = errors.New("sync cancelled")

// FetchError means fetching a page of children exhausted its retry budget or
// hit a non-retryable upstream error. It aborts the failed parent's subtree
// but not its siblings.
type FetchError struct {
	Kind             hierarchy.Kind
	ParentExternalID string
	Err              error
}

func (e *FetchError) Error() string {
	if e.ParentExternalID == "" {
		return fmt.Sprintf("failed to fetch %s records: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s records under %s: %v", e.Kind, e.ParentExternalID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MappingError means one raw record could not be converted into a hierarchy
// node. The record is skipped and counted; the batch continues.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map record: field %q %s", e.Field, e.Reason)
}
