package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres holds session-level advisory locks on dedicated pool connections.
// The ttl is not used: the database drops the lock when the session ends.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates an advisory-lock leaser.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Acquire implements Leaser.
func (p *Postgres) Acquire(ctx context.Context, workflowID string, _ time.Duration) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	key := advisoryKey(workflowID)

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrHeld
	}
	return &pgLease{conn: conn, key: key, workflowID: workflowID}, nil
}

type pgLease struct {
	conn       *pgxpool.Conn
	key        int64
	workflowID string
	once       sync.Once
	err        error
}

func (l *pgLease) WorkflowID() string { return l.workflowID }

// Check looks the lock up in pg_locks for this session. A bigint advisory
// key is split into classid (high half) and objid (low half).
func (l *pgLease) Check(ctx context.Context) error {
	var held bool
	err := l.conn.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM pg_locks
		WHERE locktype = 'advisory' AND granted AND pid = pg_backend_pid()
		  AND classid::bigint = $1 AND objid::bigint = $2 AND objsubid = 1)`,
		int64(uint32(uint64(l.key)>>32)), int64(uint32(l.key)),
	).Scan(&held)
	if err != nil {
		// 会话已断开时锁随之释放
		if l.conn.Conn().IsClosed() {
			return ErrLost
		}
		return fmt.Errorf("check advisory lock %s: %w", l.workflowID, err)
	}
	if !held {
		return ErrLost
	}
	return nil
}

func (l *pgLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		var unlocked bool
		err := l.conn.QueryRow(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.key).Scan(&unlocked)
		if err == nil && !unlocked {
			err = errors.New("lock was not held by this session")
		}
		if err != nil {
			// 会话状态不确定：销毁连接，由数据库释放锁
			l.err = fmt.Errorf("advisory unlock %s: %w", l.workflowID, err)
			_ = l.conn.Conn().Close(context.WithoutCancel(ctx))
		}
		l.conn.Release()
	})
	return l.err
}
