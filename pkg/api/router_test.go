package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/api/handler"
	"github.com/LENAX/task-watchdog/pkg/api/middleware"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t"

type testServer struct {
	router http.Handler
	eng    *engine.Engine
	store  *memory.Store
	hub    *handler.EventHub
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	store := memory.NewStore(clock.New(), queue.DefaultOptions())
	bus, err := events.NewBus(logging.Nop())
	require.NoError(t, err)

	opts := engine.DefaultOptions()
	opts.Retry = engine.NoRetry()
	ag := agent.Func(func(context.Context, agent.Task) (*agent.Result, error) {
		return agent.Completed(nil), nil
	})
	eng, err := engine.New(store.Repositories(), ag, bus, clock.New(), opts, logging.Nop())
	require.NoError(t, err)

	hub, err := handler.NewEventHub(bus, logging.Nop())
	require.NoError(t, err)
	router := SetupRouter(eng, hub, RouterConfig{Version: "test", Mode: gin.TestMode, SigningSecret: secret}, logging.Nop())
	return &testServer{router: router, eng: eng, store: store, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) trigger(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/triggers", []byte(body), map[string]string{
		middleware.SignatureHeader: middleware.Sign([]byte(body), testSecret),
	})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) dto.APIResponse[T] {
	t.Helper()
	var resp dto.APIResponse[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestTrigger_SignatureRequired(t *testing.T) {
	s := newTestServer(t, testSecret)
	body := `{"source_key":"repo/pr#42"}`

	w := s.do(t, http.MethodPost, "/api/v1/triggers", []byte(body), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/triggers", []byte(body), map[string]string{
		middleware.SignatureHeader: middleware.Sign([]byte(body), "wrong"),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.trigger(t, body)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestTrigger_CreateAndDuplicate(t *testing.T) {
	s := newTestServer(t, testSecret)
	body := `{"source_key":"repo/pr#42","task_params":{"pr":42},"idempotency_key":"delivery-1"}`

	w := s.trigger(t, body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[dto.TriggerResponse](t, w)
	assert.Equal(t, 0, created.Code)
	assert.False(t, created.Data.Duplicate)
	assert.False(t, created.Data.Degraded)
	assert.Equal(t, "PENDING", created.Data.Workflow.Status)
	assert.Equal(t, "repo/pr#42", created.Data.Workflow.SourceKey)
	assert.NotEmpty(t, created.Data.Workflow.TimerHandle)
	assert.JSONEq(t, `{"pr":42}`, string(created.Data.Workflow.TaskParams))

	w = s.trigger(t, body)
	require.Equal(t, http.StatusOK, w.Code)
	dup := decode[dto.TriggerResponse](t, w)
	assert.True(t, dup.Data.Duplicate)
	assert.Equal(t, created.Data.Workflow.WorkflowID, dup.Data.Workflow.WorkflowID)

	// 幂等键也可以通过请求头传递
	headerBody := `{"source_key":"repo/pr#43"}`
	hdr := map[string]string{
		middleware.SignatureHeader: middleware.Sign([]byte(headerBody), testSecret),
		handler.IdempotencyHeader:  "delivery-2",
	}
	first := decode[dto.TriggerResponse](t, s.do(t, http.MethodPost, "/api/v1/triggers", []byte(headerBody), hdr))
	second := decode[dto.TriggerResponse](t, s.do(t, http.MethodPost, "/api/v1/triggers", []byte(headerBody), hdr))
	assert.Equal(t, "delivery-2", first.Data.Workflow.IdempotencyKey)
	assert.True(t, second.Data.Duplicate)

	st, err := s.eng.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Depth)
}

func TestTrigger_InvalidRequests(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`{"task_params":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`{"source_key":"   "}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrigger_DegradedWhenEnqueueFails(t *testing.T) {
	s := newTestServer(t, "")
	s.store.Queue.Fail("enqueue", 1)

	w := s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`{"source_key":"repo/pr#7"}`), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[dto.TriggerResponse](t, w)
	assert.True(t, resp.Data.Degraded)
	assert.NotEmpty(t, resp.Data.Workflow.TimerHandle, "看门狗仍然布置")
}

func TestWorkflows_ListGetCancel(t *testing.T) {
	s := newTestServer(t, "")
	for _, src := range []string{"repo/pr#1", "repo/pr#1", "repo/pr#2"} {
		require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`{"source_key":"`+src+`"}`), nil).Code)
	}

	w := s.do(t, http.MethodGet, "/api/v1/workflows?source_key=repo/pr%231", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListResponse[dto.WorkflowDetail]](t, w)
	assert.Equal(t, 2, list.Data.Total)
	require.Len(t, list.Data.Items, 2)
	id := list.Data.Items[0].WorkflowID

	w = s.do(t, http.MethodGet, "/api/v1/workflows?limit=1", nil, nil)
	page := decode[dto.ListResponse[dto.WorkflowDetail]](t, w)
	assert.Equal(t, 3, page.Data.Total)
	assert.Len(t, page.Data.Items, 1)
	assert.True(t, page.Data.HasMore)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/workflows?status=DONE", nil, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode[dto.WorkflowDetail](t, w).Data.WorkflowID)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/workflows/missing", nil, nil).Code)

	w = s.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", []byte(`{"reason":"pr closed"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cancelled := decode[dto.WorkflowDetail](t, w)
	assert.Equal(t, "FAILED", cancelled.Data.Status)
	assert.Equal(t, "workflow cancelled: pr closed", cancelled.Data.ErrorMessage)
	assert.Empty(t, cancelled.Data.TimerHandle)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/workflows/missing/cancel", nil, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/workflows?status=FAILED", nil, nil)
	assert.Equal(t, 1, decode[dto.ListResponse[dto.WorkflowDetail]](t, w).Data.Total)
}

func TestQueue_StatsAndDeadLetters(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	_, err := s.store.Queue.Enqueue(ctx, &queue.Message{WorkflowID: "wf-1", MessageType: queue.MessageStart})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/queue/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, queue.Stats{Depth: 1}, decode[queue.Stats](t, w).Data)

	w = s.do(t, http.MethodGet, "/api/v1/deadletters", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[dto.ListResponse[dto.DeadLetterDetail]](t, w).Data.Items)

	// 连续三次租约未确认后转入死信
	for i := 0; i < 4; i++ {
		_, err := s.store.Queue.Dequeue(ctx, 1, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(3 * time.Millisecond)
	}
	w = s.do(t, http.MethodGet, "/api/v1/deadletters?limit=10", nil, nil)
	dls := decode[dto.ListResponse[dto.DeadLetterDetail]](t, w).Data.Items
	require.Len(t, dls, 1)
	assert.Equal(t, "wf-1", dls[0].WorkflowID)
	assert.Equal(t, 3, dls[0].ReceiveCount)

	w = s.do(t, http.MethodPost, "/api/v1/deadletters/"+dls[0].MessageID+"/redrive", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/deadletters/"+dls[0].MessageID+"/redrive", nil, nil).Code)

	w = s.do(t, http.MethodGet, "/api/v1/queue/stats", nil, nil)
	assert.Equal(t, queue.Stats{Depth: 1}, decode[queue.Stats](t, w).Data)
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Data.Status)
	assert.Equal(t, "test", health.Data.Version)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil).Code)

	// 先产生一次触发计数
	s.do(t, http.MethodPost, "/api/v1/triggers", []byte(`{"source_key":"repo/pr#1"}`), nil)
	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "task_watchdog_triggers_total")
}

func TestEvents_WebsocketStream(t *testing.T) {
	s := newTestServer(t, "")
	s.eng.Bus().Start()
	defer s.eng.Bus().Stop()

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := s.eng.Ingest(context.Background(), engine.TriggerRequest{SourceKey: "repo/pr#42"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.EventWorkflowCreated, evt.Type)
	assert.Equal(t, res.Record.WorkflowID, evt.WorkflowID)
	assert.Equal(t, "repo/pr#42", evt.SourceKey)

	conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
