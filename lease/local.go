package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is an in-process Leaser. A lease lives until it is released: the
// holder runs in the same process, so there is no crashed owner to recover
// from and the ttl is ignored.
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocal creates an in-process leaser.
func NewLocal() *Local {
	return &Local{held: make(map[string]string)}
}

// Acquire implements Leaser.
func (l *Local) Acquire(_ context.Context, workflowID string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[workflowID]; ok {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[workflowID] = token
	return &localLease{owner: l, workflowID: workflowID, token: token}, nil
}

// Held reports whether a lease exists for the workflow.
func (l *Local) Held(workflowID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[workflowID]
	return ok
}

type localLease struct {
	owner      *Local
	workflowID string
	token      string
	once       sync.Once
}

func (l *localLease) WorkflowID() string { return l.workflowID }

func (l *localLease) Check(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.workflowID] != l.token {
		return ErrLost
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		if l.owner.held[l.workflowID] == l.token {
			delete(l.owner.held, l.workflowID)
		}
	})
	return nil
}
