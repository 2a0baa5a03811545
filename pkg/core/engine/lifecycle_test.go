package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *eventCollector) handle(evt *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCollector) types(workflowID string) []events.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.EventType
	for _, e := range c.events {
		if e.WorkflowID == workflowID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (c *eventCollector) find(t events.EventType) *events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == t {
			return e
		}
	}
	return nil
}

func newBusEngine(t *testing.T, ag agent.Agent) (*engine.Engine, *memory.Store, *eventCollector) {
	t.Helper()
	store := memory.NewStore(clock.New(), queue.DefaultOptions())
	bus, err := events.NewBus(logging.Nop())
	require.NoError(t, err)

	collector := &eventCollector{}
	require.NoError(t, bus.Subscribe("collector", events.LifecycleEvents, collector.handle))

	opts := engine.DefaultOptions()
	opts.Invoker.TimeBudget = 2 * time.Second
	opts.Invoker.VisibilityTimeout = 5 * time.Second
	opts.Invoker.PollInterval = time.Hour
	opts.Retry = engine.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}

	eng, err := engine.New(store.Repositories(), ag, bus, clock.New(), opts, logging.Nop())
	require.NoError(t, err)
	return eng, store, collector
}

// 真实时钟下的完整链路：入队事件唤醒invoker，生命周期事件按序发布
func TestEngine_StartProcessesTriggersAndStops(t *testing.T) {
	ag := agent.Func(func(ctx context.Context, task agent.Task) (*agent.Result, error) {
		return agent.Completed([]byte(`{"ok":true}`)), nil
	})
	eng, _, collector := newBusEngine(t, ag)
	ctx := context.Background()

	require.NoError(t, eng.Start(ctx))
	assert.True(t, eng.IsRunning())
	assert.Equal(t, []string{"queue_dedup_purge", "queue_stats", "watchdog_reconcile"}, eng.Scheduler().GetRegisteredJobs())

	res, err := eng.Ingest(ctx, engine.TriggerRequest{SourceKey: "repo/pr#42", TaskParams: []byte(`{"pr":42}`)})
	require.NoError(t, err)
	id := res.Record.WorkflowID

	// 轮询间隔为1小时，只能依靠入队事件唤醒
	require.Eventually(t, func() bool {
		rec, err := eng.GetWorkflow(ctx, id)
		return err == nil && rec.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(collector.types(id)) == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []events.EventType{
		events.EventWorkflowCreated, events.EventWorkflowStarted, events.EventWorkflowCompleted,
	}, collector.types(id))

	live, err := eng.Timers().ListLive(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, live)
	require.NoError(t, eng.Ping(ctx))

	eng.Stop()
	assert.False(t, eng.IsRunning())
	assert.Error(t, eng.Start(ctx), "停止后不能再次启动")
}

func TestEngine_DeadLetterPublishesEvent(t *testing.T) {
	eng, store, collector := newBusEngine(t, agent.Func(func(context.Context, agent.Task) (*agent.Result, error) {
		return agent.Completed(nil), nil
	}))
	eng.Bus().Start()
	defer eng.Bus().Stop()
	ctx := context.Background()

	_, err := store.Queue.Enqueue(ctx, &queue.Message{WorkflowID: "wf-poison", MessageType: queue.MessageStart})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ds, err := store.Queue.Dequeue(ctx, 1, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		time.Sleep(5 * time.Millisecond)
	}
	ds, err := store.Queue.Dequeue(ctx, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ds)

	require.Eventually(t, func() bool {
		return collector.find(events.EventQueueDeadLettered) != nil
	}, 5*time.Second, 20*time.Millisecond)
	evt := collector.find(events.EventQueueDeadLettered)
	assert.Equal(t, "wf-poison", evt.WorkflowID)
	assert.Equal(t, "START", evt.Metadata["message_type"])
	assert.Equal(t, "3", evt.Metadata["receive_count"])
	assert.Contains(t, evt.Message, queue.ErrPoisonMessage.Error())
}
