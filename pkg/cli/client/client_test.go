package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/api"
	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, secret string) (*httptest.Server, *engine.Engine) {
	t.Helper()
	store := memory.NewStore(clock.New(), queue.DefaultOptions())
	opts := engine.DefaultOptions()
	opts.Retry = engine.NoRetry()
	ag := agent.Func(func(context.Context, agent.Task) (*agent.Result, error) {
		return agent.Completed(nil), nil
	})
	eng, err := engine.New(store.Repositories(), ag, nil, clock.New(), opts, logging.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(api.SetupRouter(eng, nil, api.RouterConfig{Version: "test", Mode: gin.TestMode, SigningSecret: secret}, logging.Nop()))
	t.Cleanup(srv.Close)
	return srv, eng
}

func TestClient_TriggerAndQuery(t *testing.T) {
	srv, _ := newServer(t, "s3cr3t")
	c := New(srv.URL+"/", "s3cr3t")

	req := dto.TriggerRequest{SourceKey: "github:acme/api#7", TaskParams: json.RawMessage(`{"pr":7}`), IdempotencyKey: "delivery-7"}
	first, err := c.Trigger(req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "PENDING", first.Workflow.Status)

	again, err := c.Trigger(req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Workflow.WorkflowID, again.Workflow.WorkflowID)

	list, err := c.ListWorkflows("github:acme/api#7", "pending", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Items, 1)

	wf, err := c.GetWorkflow(first.Workflow.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "github:acme/api#7", wf.SourceKey)

	st, err := c.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Depth)

	cancelled, err := c.CancelWorkflow(wf.WorkflowID, "closed")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", cancelled.Status)

	h, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "test", h.Version)
}

func TestClient_UnsignedTriggerRejected(t *testing.T) {
	srv, _ := newServer(t, "s3cr3t")
	c := New(srv.URL, "")

	_, err := c.Trigger(dto.TriggerRequest{SourceKey: "github:acme/api#8"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_NotFound(t *testing.T) {
	srv, _ := newServer(t, "")
	c := New(srv.URL, "")

	_, err := c.GetWorkflow("missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	err = c.RedriveDeadLetter("missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	dls, err := c.ListDeadLetters(10)
	require.NoError(t, err)
	assert.Equal(t, 0, dls.Total)
}
