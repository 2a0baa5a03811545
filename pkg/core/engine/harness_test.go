package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/LENAX/task-watchdog/pkg/storage/memory"
	"github.com/LENAX/task-watchdog/pkg/storage/storagetest"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	testDelay  = 65 * time.Minute
	testBudget = 15 * time.Minute
)

// scriptedAgent 按调用序号决定行为的agent
type scriptedAgent struct {
	mu      sync.Mutex
	calls   []agent.Task
	started chan agent.Task
	behave  func(ctx context.Context, call int, task agent.Task) (*agent.Result, error)
}

func newScriptedAgent(behave func(ctx context.Context, call int, task agent.Task) (*agent.Result, error)) *scriptedAgent {
	return &scriptedAgent{started: make(chan agent.Task, 64), behave: behave}
}

func (a *scriptedAgent) Run(ctx context.Context, task agent.Task) (*agent.Result, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, task)
	a.mu.Unlock()
	return a.behave(ctx, n, task)
}

func (a *scriptedAgent) signal(task agent.Task) {
	select {
	case a.started <- task:
	default:
	}
}

func (a *scriptedAgent) Calls() []agent.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Task(nil), a.calls...)
}

// blockUntilDone 一直运行到ctx结束（时间预算耗尽或进程被杀）
func (a *scriptedAgent) blockUntilDone(ctx context.Context, task agent.Task) (*agent.Result, error) {
	a.signal(task)
	<-ctx.Done()
	return nil, ctx.Err()
}

// completeAfter 在模拟时钟上运行d之后完成
func (a *scriptedAgent) completeAfter(ctx context.Context, clk clock.Clock, d time.Duration, task agent.Task) (*agent.Result, error) {
	done := clk.After(d)
	a.signal(task)
	select {
	case <-done:
		return agent.Completed([]byte(`{"review":"lgtm"}`)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// statusRecorder 记录每次写入后的状态，用于校验单调性
type statusRecorder struct {
	storage.WorkflowRepository
	mu      sync.Mutex
	history map[string][]workflow.Status
}

func newStatusRecorder(inner storage.WorkflowRepository) *statusRecorder {
	return &statusRecorder{WorkflowRepository: inner, history: make(map[string][]workflow.Status)}
}

func (r *statusRecorder) Put(ctx context.Context, rec *workflow.Record) error {
	if err := r.WorkflowRepository.Put(ctx, rec); err != nil {
		return err
	}
	r.append(rec)
	return nil
}

func (r *statusRecorder) Update(ctx context.Context, id string, mutate workflow.Mutator) (*workflow.Record, error) {
	rec, err := r.WorkflowRepository.Update(ctx, id, mutate)
	if err == nil {
		r.append(rec)
	}
	return rec, err
}

func (r *statusRecorder) append(rec *workflow.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[rec.WorkflowID]
	if len(h) == 0 || h[len(h)-1] != rec.Status {
		r.history[rec.WorkflowID] = append(h, rec.Status)
	}
}

func (r *statusRecorder) History(id string) []workflow.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.Status(nil), r.history[id]...)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.Mock
	store    *memory.Store
	statuses *statusRecorder
	eng      *engine.Engine
	agent    *scriptedAgent
}

func testOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Invoker.TimeBudget = testBudget
	opts.Invoker.VisibilityTimeout = testBudget + 5*time.Minute
	opts.Watchdog.Delay = testDelay
	opts.Watchdog.MaxRetries = 3
	opts.Retry = engine.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return opts
}

func newHarness(t *testing.T, ag *scriptedAgent, tweak func(*engine.Options)) *harness {
	t.Helper()
	return newWrappedHarness(t, ag, tweak, nil)
}

// newWrappedHarness wrap 非空时包装引擎使用的 WorkflowRepository
func newWrappedHarness(t *testing.T, ag *scriptedAgent, tweak func(*engine.Options),
	wrap func(storage.WorkflowRepository) storage.WorkflowRepository) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(storagetest.Epoch)

	store := memory.NewStore(mock, queue.DefaultOptions())
	statuses := newStatusRecorder(store.Workflows)
	var workflows storage.WorkflowRepository = statuses
	if wrap != nil {
		workflows = wrap(statuses)
	}
	repos := storage.NewRepositories(workflows, store.Queue, store.Timers, nil)

	opts := testOptions()
	if tweak != nil {
		tweak(&opts)
	}
	eng, err := engine.New(repos, ag, nil, mock, opts, logging.Nop())
	require.NoError(t, err)

	return &harness{t: t, ctx: context.Background(), clock: mock, store: store, statuses: statuses, eng: eng, agent: ag}
}

func (h *harness) ingest(sourceKey, idemKey string) *engine.IngestResult {
	h.t.Helper()
	res, err := h.eng.Ingest(h.ctx, engine.TriggerRequest{
		SourceKey:      sourceKey,
		TaskParams:     []byte(`{"repo":"acme/api","pr":42}`),
		IdempotencyKey: idemKey,
	})
	require.NoError(h.t, err)
	return res
}

// poll 租约一批消息并异步处理
func (h *harness) poll(ctx context.Context) int {
	h.t.Helper()
	n, err := h.eng.Invoker().PollOnce(ctx)
	require.NoError(h.t, err)
	return n
}

// pollAndWait 处理一批消息直到全部结束
func (h *harness) pollAndWait() int {
	h.t.Helper()
	n := h.poll(h.ctx)
	h.eng.Invoker().Wait()
	return n
}

func (h *harness) awaitStarted() agent.Task {
	h.t.Helper()
	select {
	case task := <-h.agent.started:
		return task
	case <-time.After(5 * time.Second):
		h.t.Fatal("agent没有被调用")
		return agent.Task{}
	}
}

func (h *harness) fireDue() int {
	h.t.Helper()
	n, err := h.eng.Timers().FireDue(h.ctx)
	require.NoError(h.t, err)
	return n
}

func (h *harness) record(id string) *workflow.Record {
	h.t.Helper()
	rec, err := h.eng.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) liveTimers(id string) []*timer.Timer {
	h.t.Helper()
	live, err := h.eng.Timers().ListLive(h.ctx, id)
	require.NoError(h.t, err)
	return live
}

func (h *harness) stats() queue.Stats {
	h.t.Helper()
	st, err := h.eng.QueueStats(h.ctx)
	require.NoError(h.t, err)
	return st
}

// requireMonotonic 状态历史只能向前推进
func (h *harness) requireMonotonic(id string) {
	h.t.Helper()
	history := h.statuses.History(id)
	for i := 1; i < len(history); i++ {
		require.Truef(h.t, history[i-1].CanTransitionTo(history[i]), "非法状态迁移 %s -> %s (%v)", history[i-1], history[i], history)
	}
}
