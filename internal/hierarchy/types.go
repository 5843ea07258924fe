// Package hierarchy defines the entity model replicated from the upstream
// project-management API: team → spaces → folders → lists → tasks.
package hierarchy

import (
	"fmt"
	"time"
)

// Kind identifies the level of an entity within the hierarchy.
type Kind string

const (
	// KindTeam is the root workspace entity.
	KindTeam Kind = "team"

	// KindSpace is a space within a team.
	KindSpace Kind = "space"

	// KindFolder is a folder within a space.
	KindFolder Kind = "folder"

	// KindList is a list (board) within a folder, or directly within a space
	// for folderless lists.
	KindList Kind = "list"

	// KindTask is a task within a list.
	KindTask Kind = "task"
)

// Kinds lists all entity kinds in traversal order, parents before children.
var Kinds = []Kind{KindTeam, KindSpace, KindFolder, KindList, KindTask}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTeam, KindSpace, KindFolder, KindList, KindTask:
		return true
	}
	return false
}

// Node is one reconciled hierarchy entity. The external id is the stable key
// assigned by the source system; the internal id is assigned by the store on
// first insert and never changes across re-syncs.
type Node struct {
	// InternalID is the database-assigned id. Zero until first insert.
	InternalID int64

	// OrgID identifies the owning organization (tenant).
	OrgID int64

	// Kind is the entity level within the hierarchy.
	Kind Kind

	// ExternalID is the source system's id, unique per (org, kind).
	ExternalID string

	// ParentExternalID references the parent entity in the source system.
	// Empty for root (team) entities.
	ParentExternalID string

	// Name is the entity's display name.
	Name string

	// Payload holds the kind-specific fields, persisted as JSON.
	Payload map[string]any

	// ExternalUpdatedAt is the last-modified timestamp reported by the
	// source system. Zero when the source does not report one for this kind.
	ExternalUpdatedAt time.Time

	// LastSyncedAt is when this row was last written by a sync run.
	LastSyncedAt time.Time
}

// Key returns a human-readable identifier for logs and error messages.
func (n *Node) Key() string {
	return fmt.Sprintf("%s/%s", n.Kind, n.ExternalID)
}
