package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/agent"
	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// InvokerOptions 执行单元参数
type InvokerOptions struct {
	TimeBudget        time.Duration // 单次调用时间预算
	VisibilityTimeout time.Duration // 队列租约，必须大于时间预算
	MaxConcurrent     int           // 全局并发上限
	PollInterval      time.Duration // 空闲时的拉取间隔
}

// Invoker 有并发上限的执行单元（对外导出）
// 从队列租约START/RESUME消息，在时间预算内同步运行agent；预算耗尽时确认消息并交给看门狗
type Invoker struct {
	workflows storage.WorkflowRepository
	queue     storage.QueueRepository
	timers    *timer.Service
	agent     agent.Agent
	publisher events.Publisher
	clock     clock.Clock
	opts      InvokerOptions
	logger    zerolog.Logger

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup
}

// NewInvoker 创建执行单元
func NewInvoker(repos *storage.Repositories, timers *timer.Service, ag agent.Agent, publisher events.Publisher,
	clk clock.Clock, opts InvokerOptions, logger zerolog.Logger) *Invoker {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 15 * time.Minute
	}
	if opts.VisibilityTimeout <= opts.TimeBudget {
		opts.VisibilityTimeout = opts.TimeBudget + 5*time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Invoker{
		workflows: repos.Workflows,
		queue:     repos.Queue,
		timers:    timers,
		agent:     ag,
		publisher: publisher,
		clock:     clk,
		opts:      opts,
		logger:    logging.Component(logger, "invoker"),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
	}
}

// Wake 唤醒拉取循环（新消息入队或有空闲名额时）
func (inv *Invoker) Wake() {
	select {
	case inv.wake <- struct{}{}:
	default:
	}
}

// PollOnce 按空闲名额租约一批消息并异步处理，返回本次租到的消息数
func (inv *Invoker) PollOnce(ctx context.Context) (int, error) {
	slots := 0
	for slots < inv.opts.MaxConcurrent && inv.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		return 0, nil
	}

	deliveries, err := inv.queue.Dequeue(ctx, slots, inv.opts.VisibilityTimeout)
	if err != nil {
		inv.sem.Release(int64(slots))
		return 0, err
	}
	if unused := slots - len(deliveries); unused > 0 {
		inv.sem.Release(int64(unused))
	}

	for _, d := range deliveries {
		inv.wg.Add(1)
		go func(d *queue.Delivery) {
			defer inv.wg.Done()
			defer inv.Wake()
			defer inv.sem.Release(1)
			inv.handle(ctx, d)
		}(d)
	}
	return len(deliveries), nil
}

// Wait 等待所有进行中的调用结束
func (inv *Invoker) Wait() {
	inv.wg.Wait()
}

// Run 拉取循环，ctx 取消后等待进行中的调用退出
func (inv *Invoker) Run(ctx context.Context) error {
	ticker := inv.clock.Ticker(inv.opts.PollInterval)
	defer ticker.Stop()
	inv.logger.Info().Int("max_concurrent", inv.opts.MaxConcurrent).Dur("time_budget", inv.opts.TimeBudget).
		Msg("[Invoker] 执行单元已启动")

	for {
		n, err := inv.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			inv.logger.Error().Err(err).Msg("[Invoker] 拉取消息失败")
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			inv.wg.Wait()
			inv.logger.Info().Msg("[Invoker] 执行单元已停止")
			return nil
		case <-inv.wake:
		case <-ticker.C:
		}
	}
}

// handle 处理一条投递
func (inv *Invoker) handle(ctx context.Context, d *queue.Delivery) {
	started := inv.clock.Now()
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	log := inv.logger.With().Str("workflow_id", d.WorkflowID).Str("message_type", string(d.MessageType)).
		Int("receive_count", d.ReceiveCount).Logger()
	record := func(outcome string) {
		metrics.RecordInvocation(string(d.MessageType), outcome, inv.clock.Since(started))
	}

	// 1. 标记RUNNING
	transitioned := false
	rec, err := inv.workflows.Update(ctx, d.WorkflowID, func(r *workflow.Record) error {
		transitioned = false
		if r.Status.IsTerminal() || r.Status == workflow.StatusRunning {
			return workflow.ErrSkipUpdate
		}
		r.Status = workflow.StatusRunning
		transitioned = true
		return nil
	})
	if errors.Is(err, workflow.ErrNotFound) {
		log.Warn().Msg("[Invoker] 工作流不存在，丢弃消息")
		inv.ack(ctx, d, log)
		record("dropped")
		return
	}
	if err != nil {
		// 不确认，租约过期后重新投递
		log.Error().Err(err).Msg("[Invoker] 更新RUNNING失败")
		record("store_error")
		return
	}
	if rec.Status.IsTerminal() {
		log.Info().Str("status", string(rec.Status)).Msg("[Invoker] 工作流已结束，丢弃消息")
		inv.ack(ctx, d, log)
		record("dropped")
		return
	}
	if transitioned {
		inv.publish(ctx, events.NewEvent(events.EventWorkflowStarted, rec.WorkflowID, inv.clock.Now().UTC()), rec)
	}

	// 2. 在时间预算内运行agent
	task := agent.Task{
		WorkflowID: rec.WorkflowID,
		SourceKey:  rec.SourceKey,
		Kind:       string(d.MessageType),
		Attempt:    attemptOf(d),
		Params:     rec.TaskParams,
	}
	runCtx, cancel := inv.clock.WithTimeout(ctx, inv.opts.TimeBudget)
	res, err := inv.agent.Run(runCtx, task)
	budgetExceeded := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		log.Warn().Msg("[Invoker] 执行单元关闭，消息等待重新投递")
		record("shutdown")
		return
	}
	if err != nil || res == nil || !res.Outcome.IsValid() {
		// 3. 预算耗尽或调用出错：确认消息，交给看门狗续跑
		outcome := "agent_error"
		if budgetExceeded || errors.Is(err, context.DeadlineExceeded) {
			outcome = "budget_exhausted"
			log.Info().Dur("budget", inv.opts.TimeBudget).Msg("[Invoker] 时间预算耗尽，等待看门狗续跑")
		} else {
			log.Warn().Err(err).Msg("[Invoker] agent调用未给出结论，等待看门狗续跑")
		}
		inv.ack(ctx, d, log)
		record(outcome)
		return
	}

	// 4. 自然结束：写入终态并撤销定时器
	status := workflow.StatusCompleted
	if res.Outcome == agent.OutcomeFailed {
		status = workflow.StatusFailed
	}
	var previous string
	applied := false
	final, err := inv.workflows.Update(ctx, d.WorkflowID, func(r *workflow.Record) error {
		previous, applied = "", false
		if r.Status.IsTerminal() {
			return workflow.ErrSkipUpdate
		}
		previous, applied = r.TimerHandle, true
		r.Status = status
		r.ErrorMessage = res.Message
		r.TimerHandle = ""
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("outcome", string(res.Outcome)).Msg("[Invoker] 写入结论失败")
		record("store_error")
		return
	}
	if err := inv.timers.Disarm(ctx, previous); err != nil {
		log.Warn().Err(err).Str("handle", previous).Msg("[Invoker] 撤销定时器失败")
	}
	inv.ack(ctx, d, log)
	record(string(res.Outcome))

	if !applied {
		// 运行期间已被取消或由其他投递写入终态
		return
	}
	evtType := events.EventWorkflowCompleted
	if status == workflow.StatusFailed {
		evtType = events.EventWorkflowFailed
	}
	evt := events.NewEvent(evtType, final.WorkflowID, inv.clock.Now().UTC())
	evt.Message = res.Message
	inv.publish(ctx, evt, final)
	log.Info().Str("status", string(final.Status)).Dur("elapsed", inv.clock.Since(started)).Msg("[Invoker] 工作流已结束")
}

func (inv *Invoker) ack(ctx context.Context, d *queue.Delivery, log zerolog.Logger) {
	if err := inv.queue.Ack(ctx, d.ReceiptHandle); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			log.Warn().Msg("[Invoker] 回执已失效，消息已被重新投递")
			return
		}
		log.Error().Err(err).Msg("[Invoker] 确认消息失败")
	}
}

func (inv *Invoker) publish(ctx context.Context, evt *events.Event, rec *workflow.Record) {
	evt.SourceKey = rec.SourceKey
	evt.Status = string(rec.Status)
	evt.RetryCount = rec.RetryCount
	if err := inv.publisher.Publish(ctx, evt); err != nil {
		inv.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("[Invoker] 发布事件失败")
	}
}

// attemptOf 从消息载荷解析续跑轮次，START为0
func attemptOf(d *queue.Delivery) int {
	if d.MessageType != queue.MessageResume {
		return 0
	}
	var p queue.ResumePayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return 0
	}
	return p.Attempt
}
