package lease

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

var (
	// ErrHeld is returned when another holder owns the lease.
	ErrHeld = errors.New("lease is held by another owner")
	// ErrLost is returned by Check once the lease no longer belongs to its holder.
	ErrLost = errors.New("lease was lost")
)

// Lease is an acquired exclusive hold on one workflow.
type Lease interface {
	WorkflowID() string
	// Check returns nil while the holder still owns the lease, ErrLost once
	// it does not. Writes guarded by the lease call it before committing.
	Check(ctx context.Context) error
	// Release gives the lease up. Calling it again is a no-op.
	Release(ctx context.Context) error
}

// Leaser acquires per-workflow leases.
type Leaser interface {
	// Acquire never blocks waiting for another holder; it returns ErrHeld.
	Acquire(ctx context.Context, workflowID string, ttl time.Duration) (Lease, error)
}

// Backend names a lease implementation in configuration.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendLocal, BackendRedis, BackendPostgres:
		return true
	}
	return false
}

// advisoryKey maps a workflow id onto the bigint key space of advisory locks.
func advisoryKey(workflowID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("ordo:lease:" + workflowID))
	return int64(h.Sum64())
}
