package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// =============================================================================
// 📡 审计事件实时流
// =============================================================================

// AuditSubscriber 订阅某个工作流的审计事件，audit.Feed 实现了它
type AuditSubscriber interface {
	Subscribe(workflowID string) (<-chan *types.AuditEvent, func())
}

// StreamHandler 通过 websocket 推送审计事件
type StreamHandler struct {
	service        WorkflowService
	feed           AuditSubscriber
	logger         *zap.Logger
	originPatterns []string
	writeTimeout   time.Duration
	pingInterval   time.Duration
}

// NewStreamHandler 创建审计流 handler。originPatterns 为允许的跨域来源（同源总是允许）。
func NewStreamHandler(service WorkflowService, feed AuditSubscriber, logger *zap.Logger, originPatterns ...string) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		service:        service,
		feed:           feed,
		logger:         logger.With(zap.String("component", "audit_stream")),
		originPatterns: originPatterns,
		writeTimeout:   10 * time.Second,
		pingInterval:   30 * time.Second,
	}
}

// Register 注册 GET /api/v1/workflows/{id}/events/stream
func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflows/{id}/events/stream", h.HandleStream)
}

// HandleStream 先回放 sequence 大于 ?after 的历史事件，再推送新事件。
// 订阅先于回放建立，按 sequence 去重，因此两段之间不会漏掉事件。
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := afterParam(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	events, unsubscribe := h.feed.Subscribe(id)
	defer unsubscribe()

	// 升级前读取历史，不存在的工作流仍能得到普通的 404
	backlog, err := h.service.GetAuditTrail(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	// 清除 http.Server 的读写超时，劫持后的连接会继承它们
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只接收；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	logger := h.logger.With(zap.String("workflow_id", id))
	logger.Debug("audit stream opened", zap.Int64("after", after))

	last := after
	for _, ev := range backlog {
		if ev.Sequence <= last {
			continue
		}
		if err := h.send(ctx, conn, ev); err != nil {
			logger.Debug("audit stream write failed", zap.Error(err))
			return
		}
		last = ev.Sequence
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			logger.Debug("audit stream closed")
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug("audit stream ping failed", zap.Error(err))
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if err := h.send(ctx, conn, ev); err != nil {
				logger.Debug("audit stream write failed", zap.Error(err))
				return
			}
			last = ev.Sequence
		}
	}
}

func (h *StreamHandler) send(ctx context.Context, conn *websocket.Conn, ev *types.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func afterParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, types.NewInvalidRequestError("after must be a non-negative integer")
	}
	return n, nil
}
