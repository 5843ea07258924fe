package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld is returned when another sync holds the organization's lock.
var ErrLockHeld = errors.New("sync lock already held")

// ErrLeaseLost is returned when a renew or release finds the lease expired or
// taken over by another holder.
var ErrLeaseLost = errors.New("sync lock lease lost")

// DefaultLeaseTTL bounds how long a crashed orchestrator can wedge an
// organization before its lock becomes stealable.
const DefaultLeaseTTL = 2 * time.Minute

// Lease identifies one acquisition of an organization's sync lock.
type Lease struct {
	OrgID  int64
	Holder uuid.UUID
	TTL    time.Duration
}

// LockManager manages the per-organization sync lock as a leased database
// row, so crash recovery is lease expiry rather than manual cleanup.
type LockManager struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewLockManager creates a lock manager with the given lease TTL; zero uses
// DefaultLeaseTTL.
func NewLockManager(pool *pgxpool.Pool, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LockManager{pool: pool, ttl: ttl}
}

const acquireLockSQL = `
INSERT INTO sync_locks (org_id, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (org_id) DO UPDATE SET
	holder     = EXCLUDED.holder,
	expires_at = EXCLUDED.expires_at
WHERE sync_locks.expires_at < now()
RETURNING holder
`

// Acquire takes the organization's sync lock. A live lease held by anyone
// else fails fast with ErrLockHeld; an expired lease is stolen, which is how
// a crashed run's lock recovers.
func (m *LockManager) Acquire(ctx context.Context, orgID int64) (Lease, error) {
	holder := uuid.New()

	var got uuid.UUID
	err := m.pool.QueryRow(ctx, acquireLockSQL, orgID, holder, m.ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, fmt.Errorf("%w: org %d", ErrLockHeld, orgID)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("failed to acquire sync lock for org %d: %w", orgID, err)
	}

	return Lease{OrgID: orgID, Holder: holder, TTL: m.ttl}, nil
}

const renewLockSQL = `
UPDATE sync_locks
SET expires_at = now() + make_interval(secs => $3)
WHERE org_id = $1 AND holder = $2 AND expires_at > now()
`

// Renew extends the lease. ErrLeaseLost means the lease expired and may have
// been taken over; the caller must abort its run.
func (m *LockManager) Renew(ctx context.Context, lease Lease) error {
	tag, err := m.pool.Exec(ctx, renewLockSQL, lease.OrgID, lease.Holder, lease.TTL.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew sync lock for org %d: %w", lease.OrgID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: org %d", ErrLeaseLost, lease.OrgID)
	}
	return nil
}

const releaseLockSQL = `
DELETE FROM sync_locks WHERE org_id = $1 AND holder = $2
`

// Release drops the lease. Releasing a lease that already expired or was
// taken over is a no-op, not an error: the lock belongs to someone else now.
func (m *LockManager) Release(ctx context.Context, lease Lease) error {
	_, err := m.pool.Exec(ctx, releaseLockSQL, lease.OrgID, lease.Holder)
	if err != nil {
		return fmt.Errorf("failed to release sync lock for org %d: %w", lease.OrgID, err)
	}
	return nil
}
