package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAgentServer 模拟agent服务：前 pendingPolls 次轮询返回RUNNING，之后返回 final
func newAgentServer(t *testing.T, pendingPolls int32, final string) (*httptest.Server, *atomic.Int32) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "wf-1:2", r.Header.Get("Idempotency-Key"))

		var req runRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "wf-1", req.WorkflowID)
		assert.True(t, req.Resume)

		json.NewEncoder(w).Encode(runStatus{RunID: "run-1", Status: "RUNNING"})
	})
	mux.HandleFunc("/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) <= pendingPolls {
			json.NewEncoder(w).Encode(runStatus{RunID: "run-1", Status: "RUNNING"})
			return
		}
		json.NewEncoder(w).Encode(runStatus{RunID: "run-1", Status: final, Output: json.RawMessage(`{"pr":42}`), Message: "done"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestAgent(endpoint string) *HTTPAgent {
	return NewHTTPAgent(HTTPConfig{
		Endpoint:     endpoint + "/",
		AuthToken:    "secret",
		PollInterval: 5 * time.Millisecond,
	}, nil, logging.Nop())
}

func TestHTTPAgent_PollsUntilCompleted(t *testing.T) {
	srv, polls := newAgentServer(t, 2, "SUCCEEDED")
	a := newTestAgent(srv.URL)

	res, err := a.Run(context.Background(), Task{WorkflowID: "wf-1", Kind: "RESUME", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.JSONEq(t, `{"pr":42}`, string(res.Output))
	assert.Equal(t, int32(3), polls.Load())
}

func TestHTTPAgent_FailedVerdict(t *testing.T) {
	srv, _ := newAgentServer(t, 0, "FAILED")
	a := newTestAgent(srv.URL)

	res, err := a.Run(context.Background(), Task{WorkflowID: "wf-1", Kind: "RESUME", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "done", res.Message)
}

func TestHTTPAgent_DeadlineExceeded(t *testing.T) {
	srv, _ := newAgentServer(t, 1<<30, "COMPLETED")
	a := newTestAgent(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Run(ctx, Task{WorkflowID: "wf-1", Kind: "RESUME", Attempt: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPAgent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAgent(HTTPConfig{Endpoint: srv.URL}, nil, logging.Nop())
	_, err := a.Run(context.Background(), Task{WorkflowID: "wf-1", Kind: "START"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFunc_Adapter(t *testing.T) {
	var a Agent = Func(func(ctx context.Context, task Task) (*Result, error) {
		if task.Attempt > 0 {
			return Completed(nil), nil
		}
		return Failed("attempt %d", task.Attempt), nil
	})

	res, err := a.Run(context.Background(), Task{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	res, err = a.Run(context.Background(), Task{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "attempt 0", res.Message)
	assert.True(t, res.Outcome.IsValid())
}
