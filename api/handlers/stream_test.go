package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

func (a *testAPI) dial(ctx context.Context, path string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + path
	return websocket.Dial(ctx, url, nil)
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) *types.AuditEvent {
	t.Helper()
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var ev types.AuditEvent
	require.NoError(t, wsjson.Read(rctx, conn, &ev))
	return &ev
}

func TestStream_BacklogThenLive(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.submit()
	ctx := context.Background()

	conn, _, err := api.dial(ctx, "/api/v1/workflows/"+w.ID+"/events/stream")
	require.NoError(t, err)
	defer conn.CloseNow()

	first := readEvent(t, ctx, conn)
	assert.Equal(t, types.EventType("workflow.submitted"), first.EventType)
	assert.Equal(t, w.ID, first.WorkflowID)

	resp, _ := api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	trail, err := api.orch.GetAuditTrail(ctx, w.ID)
	require.NoError(t, err)
	require.Greater(t, len(trail), 1)

	last := first.Sequence
	for i := 1; i < len(trail); i++ {
		ev := readEvent(t, ctx, conn)
		assert.Greater(t, ev.Sequence, last)
		assert.Equal(t, trail[i].ID, ev.ID)
		last = ev.Sequence
	}
}

func TestStream_AfterSkipsBacklog(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.submit()
	api.do(http.MethodPost, "/api/v1/workflows/"+w.ID+"/advance", "")
	ctx := context.Background()

	trail, err := api.orch.GetAuditTrail(ctx, w.ID)
	require.NoError(t, err)
	require.Greater(t, len(trail), 2)
	cut := trail[len(trail)-2].Sequence

	conn, _, err := api.dial(ctx, "/api/v1/workflows/"+w.ID+"/events/stream?after="+strconv.FormatInt(cut, 10))
	require.NoError(t, err)
	defer conn.CloseNow()

	ev := readEvent(t, ctx, conn)
	assert.Equal(t, trail[len(trail)-1].ID, ev.ID)
}

func TestStream_Rejections(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	_, resp, err := api.dial(ctx, "/api/v1/workflows/missing/events/stream")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	w := api.submit()
	_, resp, err = api.dial(ctx, "/api/v1/workflows/"+w.ID+"/events/stream?after=-3")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_UnsubscribesOnClose(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.submit()
	ctx := context.Background()
	feed := api.orch.Audit().Feed()

	conn, _, err := api.dial(ctx, "/api/v1/workflows/"+w.ID+"/events/stream")
	require.NoError(t, err)
	readEvent(t, ctx, conn)
	assert.Equal(t, 1, feed.Subscribers())

	_ = conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
