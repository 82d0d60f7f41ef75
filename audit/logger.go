package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/persistence"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// appendAttempts bounds retries when a concurrent appender outside any
// transaction takes the same sequence first.
const appendAttempts = 3

// Logger 审计日志记录器
type Logger struct {
	store  persistence.Store
	feed   *Feed
	logger *zap.Logger
	now    func() time.Time

	// 事务视图下暂存事件，提交后再发布
	pending *pendingEvents
}

type pendingEvents struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

// NewLogger creates an audit logger.
func NewLogger(store persistence.Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		store:  store,
		feed:   NewFeed(64),
		logger: logger.With(zap.String("component", "audit_logger")),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// WithStore returns a logger bound to a transactional store view. Events it
// records are held until Publish is called with Pending.
func (l *Logger) WithStore(store persistence.Store) *Logger {
	c := *l
	c.store = store
	c.pending = &pendingEvents{}
	return &c
}

// Pending returns the events recorded through this transactional view.
func (l *Logger) Pending() []*types.AuditEvent {
	if l.pending == nil {
		return nil
	}
	l.pending.mu.Lock()
	defer l.pending.mu.Unlock()
	out := make([]*types.AuditEvent, len(l.pending.events))
	copy(out, l.pending.events)
	return out
}

// Publish pushes committed events to subscribers.
func (l *Logger) Publish(events ...*types.AuditEvent) {
	for _, ev := range events {
		l.feed.Publish(ev)
	}
}

// Feed returns the live event feed.
func (l *Logger) Feed() *Feed { return l.feed }

// Record appends one event. workflowID may be empty for system events.
func (l *Logger) Record(ctx context.Context, workflowID, agent string, p Payload) (*types.AuditEvent, error) {
	if p == nil {
		return nil, types.NewError(types.ErrAuditPayloadInvalid, "audit payload is nil")
	}
	if err := p.Validate(); err != nil {
		return nil, types.Errorf(types.ErrAuditPayloadInvalid, "invalid %s payload", p.EventType()).WithCause(err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, types.Errorf(types.ErrAuditPayloadInvalid, "encode %s payload", p.EventType()).WithCause(err)
	}
	return l.append(ctx, workflowID, p.EventType(), agent, data)
}

// RecordRaw appends an event from untyped data, which must decode into the
// payload registered for eventType.
func (l *Logger) RecordRaw(ctx context.Context, workflowID string, eventType types.EventType, agent string, data json.RawMessage) (*types.AuditEvent, error) {
	if eventType == "" {
		return nil, types.NewError(types.ErrAuditPayloadInvalid, "event type is required")
	}
	p, err := Decode(eventType, data)
	if err != nil {
		return nil, types.NewError(types.ErrAuditPayloadInvalid, err.Error()).WithCause(err)
	}
	return l.Record(ctx, workflowID, agent, p)
}

func (l *Logger) append(ctx context.Context, workflowID string, eventType types.EventType, agent string, data []byte) (*types.AuditEvent, error) {
	// Sequence is left zero: the store numbers the event within its workflow.
	ev := &types.AuditEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		EventType:  eventType,
		Agent:      agent,
		Data:       data,
		CreatedAt:  l.now().UTC(),
	}
	err := l.store.AppendAuditEvent(ctx, ev)
	// 事务内不重试：冲突已使整个事务失效
	for attempt := 1; l.pending == nil && attempt < appendAttempts && errors.Is(err, persistence.ErrAlreadyExists); attempt++ {
		ev.Sequence = 0
		err = l.store.AppendAuditEvent(ctx, ev)
	}
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NewNotFoundError("workflow", workflowID).WithCause(err)
		}
		return nil, types.NewPersistenceError(fmt.Sprintf("append %s event", eventType), err)
	}

	if l.pending != nil {
		l.pending.mu.Lock()
		l.pending.events = append(l.pending.events, ev)
		l.pending.mu.Unlock()
	} else {
		l.feed.Publish(ev)
	}

	l.logger.Debug("audit event recorded",
		zap.String("workflow_id", workflowID),
		zap.String("event_type", string(eventType)),
		zap.Int64("sequence", ev.Sequence),
	)
	return ev, nil
}

// Trail returns a workflow's events in sequence order.
func (l *Logger) Trail(ctx context.Context, workflowID string) ([]*types.AuditEvent, error) {
	return l.List(ctx, persistence.AuditFilter{WorkflowID: workflowID})
}

// List queries events.
func (l *Logger) List(ctx context.Context, filter persistence.AuditFilter) ([]*types.AuditEvent, error) {
	events, err := l.store.ListAuditEvents(ctx, filter)
	if err != nil {
		return nil, types.NewPersistenceError("list audit events", err)
	}
	return events, nil
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
