package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/api"
	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/cli/output"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) string {
	t.Helper()
	store := memory.NewStore(clock.New(), queue.DefaultOptions())
	ag := agent.Func(func(context.Context, agent.Task) (*agent.Result, error) {
		return agent.Completed(nil), nil
	})
	eng, err := engine.New(store.Repositories(), ag, nil, clock.New(), engine.DefaultOptions(), logging.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(api.SetupRouter(eng, nil, api.RouterConfig{Version: "test", Mode: gin.TestMode}, logging.Nop()))
	t.Cleanup(srv.Close)
	return srv.URL
}

// run 执行命令并返回输出
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := output.Writer
	output.Writer = &buf
	t.Cleanup(func() { output.Writer = prev })

	rootCmd.SetArgs(args)
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommands_TriggerListGetCancel(t *testing.T) {
	url := newServer(t)

	out, err := run(t, "trigger", "-s", url, "--json", "--source", "github:acme/api#9", "--params", `{"pr":9}`)
	require.NoError(t, err)
	var created dto.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	id := created.Workflow.WorkflowID
	require.NotEmpty(t, id)

	out, err = run(t, "workflow", "list", "-s", url, "--json", "--source", "github:acme/api#9")
	require.NoError(t, err)
	var list dto.ListResponse[dto.WorkflowDetail]
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 1, list.Total)

	out, err = run(t, "workflow", "get", id, "-s", url, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Workflow: "+id)
	assert.Contains(t, out, `{"pr":9}`)

	out, err = run(t, "workflow", "cancel", id, "-s", url, "--reason", "closed")
	require.NoError(t, err)
	assert.Contains(t, out, "工作流已取消")

	_, err = run(t, "workflow", "cancel", id, "-s", url)
	assert.Error(t, err)

	out, err = run(t, "queue", "stats", "-s", url)
	require.NoError(t, err)
	assert.Contains(t, out, "DEAD_LETTERS")

	out, err = run(t, "dlq", "list", "-s", url)
	require.NoError(t, err)
	assert.Contains(t, out, "暂无死信")
}

func TestCommands_Version(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Task Watchdog CLI")
	assert.Contains(t, out, Version)
}

func TestReadParams(t *testing.T) {
	params, err := readParams("")
	require.NoError(t, err)
	assert.Nil(t, params)

	params, err = readParams(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(params))

	_, err = readParams("not json")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pr":1}`), 0o644))
	params, err = readParams("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pr":1}`, string(params))
}
