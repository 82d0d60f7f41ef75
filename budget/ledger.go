package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeLaneLabs/ordo-ai/internal/cache"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Ledger tracks reservations that have been authorized but not yet committed
// as budget entries. Lock serializes the read-compare-reserve sequence of
// Authorize for one key.
type Ledger interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Reserve(ctx context.Context, workflowID, reservationID string, u types.Usage) error
	Release(ctx context.Context, workflowID, reservationID string) error
	// Reserved sums outstanding reservations for one workflow, or for all
	// workflows when workflowID is empty.
	Reserved(ctx context.Context, workflowID string) (types.Usage, error)
}

// globalKey guards the monthly ceiling across workflows.
const globalKey = "__all__"

// =============================================================================
// 内存账本
// =============================================================================

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	res   map[string]map[string]types.Usage
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		locks: make(map[string]*keyLock),
		res:   make(map[string]map[string]types.Usage),
	}
}

// Lock implements Ledger.
func (l *MemoryLedger) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(key, kl)
		})
	}, nil
}

func (l *MemoryLedger) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, workflowID, reservationID string, u types.Usage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.res[workflowID]
	if !ok {
		m = make(map[string]types.Usage)
		l.res[workflowID] = m
	}
	m[reservationID] = u
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, workflowID, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.res[workflowID]; ok {
		delete(m, reservationID)
		if len(m) == 0 {
			delete(l.res, workflowID)
		}
	}
	return nil
}

// Reserved implements Ledger.
func (l *MemoryLedger) Reserved(_ context.Context, workflowID string) (types.Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total types.Usage
	for wf, m := range l.res {
		if workflowID != "" && wf != workflowID {
			continue
		}
		for _, u := range m {
			total.Add(u)
		}
	}
	return total, nil
}

// =============================================================================
// Redis 账本
// =============================================================================

// RedisLedger shares reservations between orchestrator processes. All
// reservations live in one hash keyed "<workflow>|<reservation>". Each field
// has a marker key that expires after the reservation TTL; a field whose
// marker is gone belongs to a crashed caller and is dropped on read.
type RedisLedger struct {
	cache     *cache.Manager
	prefix    string
	lockTTL   time.Duration
	resTTL    time.Duration
	retryWait time.Duration
}

// DefaultReservationTTL matches the orchestrator's default lease TTL.
const DefaultReservationTTL = 5 * time.Minute

// NewRedisLedger creates a ledger on top of the cache manager.
func NewRedisLedger(c *cache.Manager, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "ordo:budget"
	}
	return &RedisLedger{
		cache:     c,
		prefix:    prefix,
		lockTTL:   10 * time.Second,
		resTTL:    DefaultReservationTTL,
		retryWait: 10 * time.Millisecond,
	}
}

// WithReservationTTL sets how long an unreleased reservation keeps counting.
func (l *RedisLedger) WithReservationTTL(ttl time.Duration) *RedisLedger {
	if ttl > 0 {
		l.resTTL = ttl
	}
	return l
}

func (l *RedisLedger) hashKey() string { return l.prefix + ":reservations" }

func (l *RedisLedger) markerKey(field string) string { return l.prefix + ":live:" + field }

// Lock spins on a SET NX lock until acquired or ctx ends.
func (l *RedisLedger) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + ":lock:" + key
	token := uuid.NewString()
	for {
		ok, err := l.cache.TryLock(ctx, lockKey, token, l.lockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					_, _ = l.cache.Unlock(context.WithoutCancel(ctx), lockKey, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, workflowID, reservationID string, u types.Usage) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	field := workflowID + "|" + reservationID
	if err := l.cache.Set(ctx, l.markerKey(field), "1", l.resTTL); err != nil {
		return err
	}
	return l.cache.HSet(ctx, l.hashKey(), field, string(data))
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, workflowID, reservationID string) error {
	field := workflowID + "|" + reservationID
	if _, err := l.cache.HDel(ctx, l.hashKey(), field); err != nil {
		return err
	}
	return l.cache.Delete(ctx, l.markerKey(field))
}

// Reserved implements Ledger. Expired fields are deleted as they are found.
func (l *RedisLedger) Reserved(ctx context.Context, workflowID string) (types.Usage, error) {
	all, err := l.cache.HGetAll(ctx, l.hashKey())
	if err != nil {
		return types.Usage{}, err
	}
	var total types.Usage
	var stale []string
	for field, raw := range all {
		if workflowID != "" && !strings.HasPrefix(field, workflowID+"|") {
			continue
		}
		live, err := l.cache.Exists(ctx, l.markerKey(field))
		if err != nil {
			return types.Usage{}, err
		}
		if live == 0 {
			stale = append(stale, field)
			continue
		}
		var u types.Usage
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return types.Usage{}, fmt.Errorf("decode reservation %s: %w", field, err)
		}
		total.Add(u)
	}
	if len(stale) > 0 {
		if _, err := l.cache.HDel(ctx, l.hashKey(), stale...); err != nil {
			return types.Usage{}, err
		}
	}
	return total, nil
}
