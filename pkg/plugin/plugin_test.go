package plugin

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPlugin 记录收到的数据
type recordingPlugin struct {
	name string
	got  []PluginData
	err  error
}

func (p *recordingPlugin) Name() string                 { return p.name }
func (p *recordingPlugin) Init(map[string]string) error { return nil }
func (p *recordingPlugin) Execute(data interface{}) error {
	p.got = append(p.got, data.(PluginData))
	return p.err
}

func TestPluginManager_BindAndTrigger(t *testing.T) {
	pm := NewPluginManager(logging.Nop())
	rec := &recordingPlugin{name: "rec"}
	require.NoError(t, pm.Register(rec))
	assert.Error(t, pm.Register(rec), "重复注册应失败")

	require.NoError(t, pm.Bind(PluginBinding{PluginName: "rec", Event: events.EventWorkflowFailed}))
	require.NoError(t, pm.Bind(PluginBinding{
		PluginName: "rec",
		Event:      events.EventWorkflowCompleted,
		Condition:  func(d PluginData) bool { return d.SourceKey == "repo/pr#42" },
	}))
	assert.Error(t, pm.Bind(PluginBinding{PluginName: "missing", Event: events.EventWorkflowFailed}))

	ctx := context.Background()
	require.NoError(t, pm.Trigger(ctx, events.EventWorkflowFailed, PluginData{WorkflowID: "wf-1"}))
	require.NoError(t, pm.Trigger(ctx, events.EventWorkflowCompleted, PluginData{WorkflowID: "wf-2", SourceKey: "other"}))
	require.NoError(t, pm.Trigger(ctx, events.EventWorkflowCompleted, PluginData{WorkflowID: "wf-3", SourceKey: "repo/pr#42"}))
	require.NoError(t, pm.Trigger(ctx, events.EventWorkflowStarted, PluginData{WorkflowID: "wf-4"}))

	require.Len(t, rec.got, 2)
	assert.Equal(t, "wf-1", rec.got[0].WorkflowID)
	assert.Equal(t, "wf-3", rec.got[1].WorkflowID)

	require.NoError(t, pm.Unregister("rec"))
	require.NoError(t, pm.Trigger(ctx, events.EventWorkflowFailed, PluginData{WorkflowID: "wf-5"}))
	assert.Len(t, rec.got, 2)
	assert.Empty(t, pm.ListPlugins())
}

func TestPluginManager_TriggerCollectsErrors(t *testing.T) {
	pm := NewPluginManager(logging.Nop())
	boom := errors.New("boom")
	require.NoError(t, pm.Register(&recordingPlugin{name: "bad", err: boom}))
	require.NoError(t, pm.Bind(PluginBinding{PluginName: "bad", Event: events.EventWorkflowFailed}))

	err := pm.Trigger(context.Background(), events.EventWorkflowFailed, PluginData{})
	assert.ErrorIs(t, err, boom)
}

func TestPluginManager_AttachToBus(t *testing.T) {
	bus, err := events.NewBus(logging.Nop())
	require.NoError(t, err)

	pm := NewPluginManager(logging.Nop())
	delivered := make(chan PluginData, 1)
	require.NoError(t, pm.Register(&chanPlugin{name: "chan", out: delivered}))
	require.NoError(t, pm.Bind(PluginBinding{PluginName: "chan", Event: events.EventWorkflowCompleted}))
	require.NoError(t, pm.Attach(bus))

	bus.Start()
	defer bus.Stop()

	evt := events.NewEvent(events.EventWorkflowCompleted, "wf-1", time.Now())
	evt.SourceKey = "repo/pr#42"
	require.NoError(t, bus.Publish(context.Background(), evt))

	select {
	case d := <-delivered:
		assert.Equal(t, "wf-1", d.WorkflowID)
		assert.Equal(t, "repo/pr#42", d.SourceKey)
	case <-time.After(5 * time.Second):
		t.Fatal("插件未收到事件")
	}
}

type chanPlugin struct {
	name string
	out  chan PluginData
}

func (p *chanPlugin) Name() string                 { return p.name }
func (p *chanPlugin) Init(map[string]string) error { return nil }
func (p *chanPlugin) Execute(data interface{}) error {
	select {
	case p.out <- data.(PluginData):
	default:
	}
	return nil
}

func TestEmailPlugin_InitValidation(t *testing.T) {
	p := NewEmailPlugin(logging.Nop())
	assert.Error(t, p.Init(map[string]string{}))
	assert.Error(t, p.Init(map[string]string{"smtp_host": "smtp.example.com"}))
	assert.Error(t, p.Init(map[string]string{"smtp_host": "smtp.example.com", "from": "a@example.com"}))
	assert.Error(t, p.Init(map[string]string{"smtp_host": "smtp.example.com", "smtp_port": "x", "from": "a@example.com", "to": "b@example.com"}))

	err := p.Execute(PluginData{})
	assert.Error(t, err, "未初始化时不能发送")
}

func TestEmailPlugin_SendsFailureAlert(t *testing.T) {
	p := NewEmailPlugin(logging.Nop()).(*EmailPlugin)
	var sentTo []string
	var body []byte
	var addr string
	p.send = func(a string, _ smtp.Auth, from string, to []string, msg []byte) error {
		addr, sentTo, body = a, to, msg
		return nil
	}
	require.NoError(t, p.Init(map[string]string{
		"smtp_host": "smtp.example.com",
		"smtp_port": "2525",
		"from":      "watchdog@example.com",
		"to":        "oncall@example.com, lead@example.com",
	}))

	err := p.Execute(PluginData{
		Event:      events.EventWorkflowFailed,
		WorkflowID: "wf-1",
		SourceKey:  "repo/pr#42",
		Status:     "FAILED",
		RetryCount: 3,
		Message:    "retry budget exhausted",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:2525", addr)
	assert.Equal(t, []string{"oncall@example.com", "lead@example.com"}, sentTo)
	msg := string(body)
	assert.Contains(t, msg, "Subject: [Workflow失败] repo/pr#42 - wf-1")
	assert.Contains(t, msg, "错误信息: retry budget exhausted")
	assert.True(t, strings.HasPrefix(msg, "From: watchdog@example.com\r\n"))
}

func TestEmailPlugin_DeadLetterHint(t *testing.T) {
	p := NewEmailPlugin(logging.Nop()).(*EmailPlugin)
	var body []byte
	p.send = func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		body = msg
		return nil
	}
	require.NoError(t, p.Init(map[string]string{"smtp_host": "smtp.example.com", "from": "wd@example.com", "to": "oncall@example.com"}))

	require.NoError(t, p.Execute(PluginData{
		Event:      events.EventQueueDeadLettered,
		WorkflowID: "wf-2",
		Data:       map[string]string{"message_id": "msg-9", "receive_count": "3"},
	}))
	msg := string(body)
	assert.Contains(t, msg, "Subject: [死信] wf-2")
	assert.Contains(t, msg, "  receive_count: 3\n")
	assert.Contains(t, msg, "watchdog dlq redrive msg-9")
}

func TestLogPlugin_Execute(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPlugin(logging.NewWithWriter(&buf, "debug", "prod"))
	require.NoError(t, p.Init(map[string]string{"level": "info"}))
	assert.Error(t, p.Init(map[string]string{"level": "loud"}))

	require.NoError(t, p.Execute(PluginData{Event: events.EventWorkflowFailed, WorkflowID: "wf-1", Status: "FAILED"}))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"workflow_id":"wf-1"`)

	assert.Error(t, p.Execute("not plugin data"))
}
