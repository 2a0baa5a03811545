package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/config"
	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/plugin"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Options 引擎参数
type Options struct {
	Invoker           InvokerOptions
	Watchdog          WatchdogOptions
	Timer             timer.Options
	Retry             RetryPolicy
	JanitorInterval   time.Duration // 去重表清理间隔
	StatsInterval     time.Duration // 队列指标采集间隔
	ReconcileInterval time.Duration // 周期性对账间隔
}

// DefaultOptions 默认引擎参数
func DefaultOptions() Options {
	return Options{
		Invoker: InvokerOptions{
			TimeBudget:        15 * time.Minute,
			VisibilityTimeout: 20 * time.Minute,
			MaxConcurrent:     5,
			PollInterval:      5 * time.Second,
		},
		Watchdog: WatchdogOptions{
			Delay:      65 * time.Minute,
			MaxRetries: 3,
		},
		Timer:             timer.DefaultOptions(),
		Retry:             DefaultRetryPolicy(),
		JanitorInterval:   time.Minute,
		StatsInterval:     15 * time.Second,
		ReconcileInterval: 10 * time.Minute,
	}
}

// OptionsFromConfig 由框架配置生成引擎参数
func OptionsFromConfig(cfg *config.EngineConfig) Options {
	w := &cfg.TaskWatchdog
	opts := DefaultOptions()
	opts.Invoker = InvokerOptions{
		TimeBudget:        cfg.GetInvokerTimeBudget(),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
		MaxConcurrent:     cfg.GetMaxConcurrentInvocations(),
		PollInterval:      w.Execution.PollInterval,
	}
	opts.Watchdog = WatchdogOptions{
		Delay:       cfg.GetWatchdogDelay(),
		MaxRetries:  cfg.GetMaxRetries(),
		WorkflowTTL: w.Watchdog.WorkflowTTL,
	}
	opts.Timer = timer.Options{
		Group:         w.Watchdog.TimerGroup,
		SweepInterval: w.Watchdog.SweepInterval,
		ClaimTTL:      w.Watchdog.ClaimTTL,
		BatchSize:     w.Watchdog.SweepBatchSize,
	}
	if w.Execution.Retry.Disabled {
		opts.Retry = NoRetry()
	} else {
		opts.Retry = RetryPolicy{
			MaxAttempts: w.Execution.Retry.MaxAttempts,
			BaseDelay:   w.Execution.Retry.Delay,
			MaxDelay:    w.Execution.Retry.MaxDelay,
			Multiplier:  2.0,
		}
	}
	if w.Queue.JanitorInterval > 0 {
		opts.JanitorInterval = w.Queue.JanitorInterval
	}
	return opts
}

// Engine 看门狗引擎（对外导出）
// 组装 Ingestion、Invoker、Watchdog、定时器服务和维护任务，对外提供运维操作
type Engine struct {
	repos     *storage.Repositories
	bus       *events.Bus
	publisher events.Publisher
	clock     clock.Clock
	opts      Options
	logger    zerolog.Logger

	timers   *timer.Service
	ingestor *Ingestor
	invoker  *Invoker
	watchdog *Watchdog
	cron     *CronScheduler
	plugins  plugin.PluginManager

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建引擎，bus 可为空（不发布事件，invoker仅按间隔拉取）
func New(repos *storage.Repositories, ag agent.Agent, bus *events.Bus, clk clock.Clock, opts Options, logger zerolog.Logger) (*Engine, error) {
	if repos == nil || repos.Workflows == nil || repos.Queue == nil || repos.Timers == nil {
		return nil, fmt.Errorf("存储Repository不能为空")
	}
	if ag == nil {
		return nil, fmt.Errorf("agent不能为空")
	}
	if clk == nil {
		clk = clock.New()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if bus != nil {
		publisher = bus
	}

	e := &Engine{
		repos:     repos,
		bus:       bus,
		publisher: publisher,
		clock:     clk,
		opts:      opts,
		logger:    logging.Component(logger, "engine"),
	}
	e.timers = timer.NewService(repos.Timers, clk, opts.Timer, logger)
	e.ingestor = NewIngestor(repos, e.timers, publisher, clk, opts.Retry, opts.Watchdog.Delay, logger)
	e.invoker = NewInvoker(repos, e.timers, ag, publisher, clk, opts.Invoker, logger)
	e.watchdog = NewWatchdog(repos, e.timers, publisher, clk, opts.Retry, opts.Watchdog, logger)
	e.cron = NewCronScheduler(logger)

	e.timers.SetFireHandler(e.watchdog.Fire)
	if n, ok := repos.Queue.(storage.DeadLetterNotifier); ok {
		n.SetDeadLetterHook(e.onDeadLetter)
	}
	if bus != nil {
		if err := bus.Subscribe("invoker_wake", []events.EventType{events.EventQueueEnqueued}, func(*events.Event) error {
			e.invoker.Wake()
			return nil
		}); err != nil {
			return nil, fmt.Errorf("订阅入队事件失败: %w", err)
		}
	}
	return e, nil
}

// SetPluginManager 设置插件管理器（由Builder调用）
func (e *Engine) SetPluginManager(pm plugin.PluginManager) {
	e.plugins = pm
}

// GetPluginManager 获取插件管理器
func (e *Engine) GetPluginManager() plugin.PluginManager {
	return e.plugins
}

// Start 启动引擎：对账、定时器sweeper、维护任务和invoker
// Stop 之后不能再次 Start
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.stopped {
		return fmt.Errorf("引擎已停止，不能再次启动")
	}

	if e.bus != nil {
		e.bus.Start()
	}

	// 恢复重启前未被看护的工作流
	if _, err := e.watchdog.Reconcile(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] 启动对账失败")
	}

	if err := e.timers.Start(); err != nil {
		return fmt.Errorf("启动定时器服务失败: %w", err)
	}
	if err := e.registerMaintenanceJobs(); err != nil {
		e.timers.Stop()
		return err
	}
	e.cron.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := e.invoker.Run(runCtx); err != nil {
			e.logger.Error().Err(err).Msg("[Engine] invoker异常退出")
		}
	}()

	e.running = true
	e.logger.Info().Dur("watchdog_delay", e.opts.Watchdog.Delay).Int("max_retries", e.opts.Watchdog.MaxRetries).
		Dur("time_budget", e.opts.Invoker.TimeBudget).Msg("[Engine] 看门狗引擎已启动")
	return nil
}

// registerMaintenanceJobs 注册后台维护任务
func (e *Engine) registerMaintenanceJobs() error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       JobFunc
	}{
		{"queue_dedup_purge", e.opts.JanitorInterval, e.purgeDedup},
		{"queue_stats", e.opts.StatsInterval, e.collectQueueStats},
		{"watchdog_reconcile", e.opts.ReconcileInterval, func(ctx context.Context) error {
			_, err := e.watchdog.Reconcile(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		if err := e.cron.RegisterJob(j.name, "@every "+j.interval.String(), j.fn); err != nil {
			return fmt.Errorf("注册维护任务失败: %w", err)
		}
	}
	return nil
}

func (e *Engine) purgeDedup(ctx context.Context) error {
	n, err := e.repos.Queue.PurgeDedup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Debug().Int64("purged", n).Msg("[Engine] 已清理过期去重记录")
	}
	return nil
}

func (e *Engine) collectQueueStats(ctx context.Context) error {
	st, err := e.repos.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueStats(st.Depth, st.InFlight)
	return nil
}

// Stop 停止引擎，等待进行中的调用结束
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.mu.Unlock()

	// 1. 停止invoker并等待进行中的调用
	e.cancel()
	<-e.done

	// 2. 停止定时器和维护任务
	e.timers.Stop()
	e.cron.Stop()

	// 3. 关闭事件总线
	if e.bus != nil {
		e.bus.Stop()
	}
	e.logger.Info().Msg("[Engine] 看门狗引擎已停止")
}

// IsRunning 是否运行中
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Ingest 接收外部触发
func (e *Engine) Ingest(ctx context.Context, req TriggerRequest) (*IngestResult, error) {
	return e.ingestor.Ingest(ctx, req)
}

// Cancel 运维取消：置为FAILED并撤销定时器，已结束的工作流返回 workflow.ErrConflict
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) (*workflow.Record, error) {
	msg := workflow.ErrCancelled.Error()
	if reason != "" {
		msg += ": " + reason
	}

	var previous string
	rec, err := e.repos.Workflows.Update(ctx, workflowID, func(r *workflow.Record) error {
		previous = ""
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is already %s", workflow.ErrConflict, r.WorkflowID, r.Status)
		}
		previous = r.TimerHandle
		r.Status = workflow.StatusFailed
		r.ErrorMessage = msg
		r.TimerHandle = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.timers.Disarm(ctx, previous); err != nil {
		e.logger.Warn().Err(err).Str("handle", previous).Msg("[Engine] 撤销定时器失败")
	}

	evt := events.NewEvent(events.EventWorkflowCancelled, rec.WorkflowID, e.clock.Now().UTC())
	evt.SourceKey, evt.Status, evt.RetryCount, evt.Message = rec.SourceKey, string(rec.Status), rec.RetryCount, msg
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] 发布取消事件失败")
	}
	e.logger.Info().Str("workflow_id", workflowID).Str("reason", reason).Msg("[Engine] 工作流已取消")
	return rec, nil
}

// GetWorkflow 查询工作流
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Record, error) {
	return e.repos.Workflows.Get(ctx, workflowID)
}

// ListWorkflows 分页查询工作流
func (e *Engine) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*workflow.Record, int, error) {
	return e.repos.Workflows.List(ctx, filter)
}

// QueryBySource 按来源查询
func (e *Engine) QueryBySource(ctx context.Context, sourceKey string, status workflow.Status) ([]*workflow.Record, error) {
	return e.repos.Workflows.QueryBySource(ctx, sourceKey, status)
}

// ListDeadLetters 列出死信
func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	return e.repos.Queue.ListDeadLetters(ctx, limit)
}

// RedriveDeadLetter 把死信放回队列并唤醒invoker
func (e *Engine) RedriveDeadLetter(ctx context.Context, messageID string) error {
	if err := e.repos.Queue.RedriveDeadLetter(ctx, messageID); err != nil {
		return err
	}
	e.logger.Info().Str("message_id", messageID).Msg("[Engine] 死信已重新入队")
	e.invoker.Wake()
	return nil
}

// QueueStats 队列概况
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.repos.Queue.Stats(ctx)
}

// Ping 检查存储是否可用
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.repos.Queue.Stats(ctx)
	return err
}

// onDeadLetter 消息转入死信时发布事件
func (e *Engine) onDeadLetter(dl *queue.DeadLetter) {
	e.logger.Warn().Str("workflow_id", dl.WorkflowID).Str("message_id", dl.MessageID).
		Int("receive_count", dl.ReceiveCount).Msg("[Engine] 消息已转入死信")
	evt := events.NewEvent(events.EventQueueDeadLettered, dl.WorkflowID, e.clock.Now().UTC()).
		WithMetadata("message_id", dl.MessageID).
		WithMetadata("message_type", string(dl.MessageType)).
		WithMetadata("receive_count", strconv.Itoa(dl.ReceiveCount))
	evt.Message = dl.Reason
	if err := e.publisher.Publish(context.Background(), evt); err != nil {
		e.logger.Warn().Err(err).Msg("[Engine] 发布死信事件失败")
	}
}

// Timers 定时器服务
func (e *Engine) Timers() *timer.Service { return e.timers }

// Invoker 执行单元
func (e *Engine) Invoker() *Invoker { return e.invoker }

// Watchdog 看门狗
func (e *Engine) Watchdog() *Watchdog { return e.watchdog }

// Bus 事件总线，未配置时为nil
func (e *Engine) Bus() *events.Bus { return e.bus }

// Repositories 存储
func (e *Engine) Repositories() *storage.Repositories { return e.repos }

// Scheduler 维护任务调度器
func (e *Engine) Scheduler() *CronScheduler { return e.cron }
