package audit

import (
	"sync"
	"sync/atomic"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// Feed fans committed events out to live subscribers. Slow subscribers lose
// events rather than blocking writers; the store remains the source of truth.
type Feed struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	buffer  int
	dropped atomic.Int64
}

type subscription struct {
	workflowID string
	ch         chan *types.AuditEvent
	once       sync.Once
}

// NewFeed creates a feed whose subscriber channels hold buffer events.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[uint64]*subscription), buffer: buffer}
}

// Subscribe returns a channel of events for one workflow, or for all
// workflows when workflowID is empty. cancel closes the channel.
func (f *Feed) Subscribe(workflowID string) (<-chan *types.AuditEvent, func()) {
	sub := &subscription{workflowID: workflowID, ch: make(chan *types.AuditEvent, f.buffer)}
	id := f.nextID.Add(1)

	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (f *Feed) Publish(ev *types.AuditEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.workflowID != "" && sub.workflowID != ev.WorkflowID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }
