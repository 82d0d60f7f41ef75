package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
)

// Redis is a Leaser shared by every process using the same Redis. Held
// leases are extended in the background at a third of their ttl. A lease
// whose key expired or changed owner reports ErrLost from Check.
type Redis struct {
	cache  *cache.Manager
	prefix string
	logger *zap.Logger
}

// NewRedis creates a Redis-backed leaser.
func NewRedis(c *cache.Manager, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{cache: c, prefix: "ordo:lease:", logger: logger.With(zap.String("component", "redis_lease"))}
}

// Acquire implements Leaser.
func (r *Redis) Acquire(ctx context.Context, workflowID string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis lease needs a positive ttl")
	}
	key := r.prefix + workflowID
	token := uuid.NewString()

	ok, err := r.cache.TryLock(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", workflowID, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &redisLease{
		owner:      r,
		workflowID: workflowID,
		key:        key,
		token:      token,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.keepalive(ttl)
	return l, nil
}

type redisLease struct {
	owner      *Redis
	workflowID string
	key        string
	token      string
	stop       chan struct{}
	done       chan struct{}
	once       sync.Once
	err        error
	lost       atomic.Bool
}

func (l *redisLease) WorkflowID() string { return l.workflowID }

// Check compares the stored token with ours, so a lease taken over between
// two keepalive ticks is still detected.
func (l *redisLease) Check(ctx context.Context) error {
	if l.lost.Load() {
		return ErrLost
	}
	v, err := l.owner.cache.Get(ctx, l.key)
	if errors.Is(err, cache.ErrCacheMiss) || (err == nil && v != l.token) {
		l.lost.Store(true)
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("check lease %s: %w", l.workflowID, err)
	}
	return nil
}

func (l *redisLease) keepalive(ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3+time.Second)
			ok, err := l.owner.cache.ExtendLock(ctx, l.key, l.token, ttl)
			cancel()
			if err != nil {
				l.owner.logger.Warn("lease keepalive failed", zap.String("workflow_id", l.workflowID), zap.Error(err))
				continue
			}
			if !ok {
				l.lost.Store(true)
				l.owner.logger.Error("lease lost", zap.String("workflow_id", l.workflowID))
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if _, err := l.owner.cache.Unlock(context.WithoutCancel(ctx), l.key, l.token); err != nil {
			l.err = fmt.Errorf("release lease %s: %w", l.workflowID, err)
		}
	})
	return l.err
}
