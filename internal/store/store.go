// Package store is the database-facing layer: idempotent upsert of hierarchy
// nodes keyed by external id, per-kind sync watermarks, the organization sync
// lock, and finalized job history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sprintforge/worksync/internal/hierarchy"
	"github.com/sprintforge/worksync/internal/status"
)

// ErrNodeNotFound is returned when a node lookup matches no row.
var ErrNodeNotFound = errors.New("hierarchy node not found")

// ErrIntegrationNotFound is returned when an organization has no stored
// integration credential.
var ErrIntegrationNotFound = errors.New("integration not found")

// UpsertOutcome reports what an upsert did to the row.
type UpsertOutcome int

const (
	// Inserted means the node did not exist and a new row was created.
	Inserted UpsertOutcome = iota

	// Updated means the incoming external timestamp was newer and the row's
	// payload was replaced.
	Updated

	// Unchanged means the incoming record was not newer than the stored row
	// and nothing was written.
	Unchanged
)

// String returns the outcome name for logs and counters.
func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Store provides reconciliation persistence on a pgx connection pool.
// Compare-and-set happens inside single statements, so concurrent upserts
// across organizations or sibling subtrees never contend beyond row locks.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const upsertNodeSQL = `
INSERT INTO hierarchy_nodes
	(org_id, kind, external_id, parent_external_id, name, payload, external_updated_at, last_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (org_id, kind, external_id) DO UPDATE SET
	parent_external_id  = EXCLUDED.parent_external_id,
	name                = EXCLUDED.name,
	payload             = EXCLUDED.payload,
	external_updated_at = EXCLUDED.external_updated_at,
	last_synced_at      = EXCLUDED.last_synced_at
WHERE EXCLUDED.external_updated_at > hierarchy_nodes.external_updated_at
RETURNING id, (xmax = 0) AS inserted
`

// Upsert writes the node by (org, kind, external id). A row that already
// holds an equal or newer external timestamp is left untouched and reported
// Unchanged, which makes re-delivery of unchanged records a no-op. The
// compare and the write are one statement, so there is no read-then-write
// window to lose updates in. A write race (duplicate key from a concurrent
// first insert, or a serialization failure) is retried once before being
// reported to the caller as a record-level failure.
func (s *Store) Upsert(ctx context.Context, node *hierarchy.Node) (UpsertOutcome, error) {
	outcome, err := s.upsertOnce(ctx, node)
	if err != nil && isWriteRace(err) {
		outcome, err = s.upsertOnce(ctx, node)
		if err != nil {
			return Unchanged, fmt.Errorf("upsert conflict for %s: %w", node.Key(), err)
		}
	}
	return outcome, err
}

func (s *Store) upsertOnce(ctx context.Context, node *hierarchy.Node) (UpsertOutcome, error) {
	payload, err := json.Marshal(node.Payload)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to encode payload for %s: %w", node.Key(), err)
	}

	var parent *string
	if node.ParentExternalID != "" {
		parent = &node.ParentExternalID
	}

	lastSynced := node.LastSyncedAt
	if lastSynced.IsZero() {
		lastSynced = time.Now().UTC()
	}

	var (
		id       int64
		inserted bool
	)
	err = s.pool.QueryRow(ctx, upsertNodeSQL,
		node.OrgID,
		string(node.Kind),
		node.ExternalID,
		parent,
		node.Name,
		payload,
		node.ExternalUpdatedAt.UTC(),
		lastSynced.UTC(),
	).Scan(&id, &inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row exists and the incoming record is not newer.
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert %s: %w", node.Key(), err)
	}

	node.InternalID = id
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// isWriteRace reports whether the error is a transient write conflict:
// unique violation from two concurrent first inserts, or a serialization /
// deadlock failure.
func isWriteRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}

const getNodeSQL = `
SELECT id, org_id, kind, external_id, parent_external_id, name, payload, external_updated_at, last_synced_at
FROM hierarchy_nodes
WHERE org_id = $1 AND kind = $2 AND external_id = $3
`

// GetNode looks up a node by its natural key.
func (s *Store) GetNode(ctx context.Context, orgID int64, kind hierarchy.Kind, externalID string) (*hierarchy.Node, error) {
	var (
		node    hierarchy.Node
		kindStr string
		parent  *string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, getNodeSQL, orgID, string(kind), externalID).Scan(
		&node.InternalID,
		&node.OrgID,
		&kindStr,
		&node.ExternalID,
		&parent,
		&node.Name,
		&payload,
		&node.ExternalUpdatedAt,
		&node.LastSyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeNotFound, kind, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s/%s: %w", kind, externalID, err)
	}

	node.Kind = hierarchy.Kind(kindStr)
	if parent != nil {
		node.ParentExternalID = *parent
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &node.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s/%s: %w", kind, externalID, err)
		}
	}
	return &node, nil
}

const getWatermarkSQL = `
SELECT high_water FROM sync_watermarks WHERE org_id = $1 AND kind = $2
`

// Watermark returns the stored high-water mark for (org, kind), or the zero
// time when none has been recorded yet.
func (s *Store) Watermark(ctx context.Context, orgID int64, kind hierarchy.Kind) (time.Time, error) {
	var highWater time.Time
	err := s.pool.QueryRow(ctx, getWatermarkSQL, orgID, string(kind)).Scan(&highWater)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get watermark for %s: %w", kind, err)
	}
	return highWater, nil
}

const advanceWatermarkSQL = `
INSERT INTO sync_watermarks (org_id, kind, high_water, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (org_id, kind) DO UPDATE SET
	high_water = EXCLUDED.high_water,
	updated_at = now()
WHERE EXCLUDED.high_water > sync_watermarks.high_water
`

// AdvanceWatermark raises the high-water mark for (org, kind) to the given
// timestamp. The guard in the statement makes the watermark monotonic: it
// never moves backwards, whatever the caller observed.
func (s *Store) AdvanceWatermark(ctx context.Context, orgID int64, kind hierarchy.Kind, highWater time.Time) error {
	if highWater.IsZero() {
		return nil
	}
	_, err := s.pool.Exec(ctx, advanceWatermarkSQL, orgID, string(kind), highWater.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", kind, err)
	}
	return nil
}

const saveJobSQL = `
INSERT INTO sync_jobs (id, org_id, scope, board_id, status, message, started_at, finished_at, counters, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	status      = EXCLUDED.status,
	message     = EXCLUDED.message,
	finished_at = EXCLUDED.finished_at,
	counters    = EXCLUDED.counters,
	errors      = EXCLUDED.errors
`

// SaveJob persists a finalized job so sync history survives process
// restarts. Live job snapshots are served from the in-memory registry.
func (s *Store) SaveJob(ctx context.Context, job *status.Job) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode job counters: %w", err)
	}
	jobErrors, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode job errors: %w", err)
	}

	var boardID *string
	if job.BoardID != "" {
		boardID = &job.BoardID
	}

	_, err = s.pool.Exec(ctx, saveJobSQL,
		job.ID,
		job.OrgID,
		string(job.Scope),
		boardID,
		string(job.Status),
		job.Message,
		job.StartedAt,
		job.FinishedAt,
		counters,
		jobErrors,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// Integration holds an organization's credential for the upstream API.
type Integration struct {
	OrgID       int64
	Provider    string
	AccessToken string
	TeamID      string
}

const getIntegrationSQL = `
SELECT org_id, provider, access_token, team_id
FROM user_integrations
WHERE org_id = $1 AND provider = $2
`

// GetIntegration returns the stored credential for (org, provider).
func (s *Store) GetIntegration(ctx context.Context, orgID int64, provider string) (*Integration, error) {
	var integ Integration
	err := s.pool.QueryRow(ctx, getIntegrationSQL, orgID, provider).Scan(
		&integ.OrgID,
		&integ.Provider,
		&integ.AccessToken,
		&integ.TeamID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: org %d provider %s", ErrIntegrationNotFound, orgID, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration for org %d: %w", orgID, err)
	}
	return &integ, nil
}

const saveIntegrationSQL = `
INSERT INTO user_integrations (org_id, provider, access_token, team_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (org_id, provider) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	team_id      = EXCLUDED.team_id
`

// SaveIntegration stores or replaces an organization's credential.
func (s *Store) SaveIntegration(ctx context.Context, integ *Integration) error {
	_, err := s.pool.Exec(ctx, saveIntegrationSQL, integ.OrgID, integ.Provider, integ.AccessToken, integ.TeamID)
	if err != nil {
		return fmt.Errorf("failed to save integration for org %d: %w", integ.OrgID, err)
	}
	return nil
}
