package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// maxFireRounds 一次触发内因并发竞争重新读取记录的最大次数
const maxFireRounds = 5

// errSuperseded 记录已被其他写入者推进，本轮判断作废
var errSuperseded = errors.New("watchdog decision superseded")

// WatchdogOptions 看门狗参数
type WatchdogOptions struct {
	Delay          time.Duration // 定时器延迟
	MaxRetries     int           // 最大续跑次数
	WorkflowTTL    time.Duration // 工作流整体存活时间，0表示不限制
	ReconcileBatch int           // 启动对账时最多检查的活跃记录数
}

// Watchdog 看门狗（对外导出）
// 定时器到期后检查工作流：已结束则忽略，未结束则续跑或在重试耗尽后判定失败
type Watchdog struct {
	workflows storage.WorkflowRepository
	queue     storage.QueueRepository
	timers    *timer.Service
	publisher events.Publisher
	clock     clock.Clock
	retry     RetryPolicy
	opts      WatchdogOptions
	logger    zerolog.Logger
}

// NewWatchdog 创建看门狗
func NewWatchdog(repos *storage.Repositories, timers *timer.Service, publisher events.Publisher,
	clk clock.Clock, retry RetryPolicy, opts WatchdogOptions, logger zerolog.Logger) *Watchdog {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 1000
	}
	return &Watchdog{
		workflows: repos.Workflows,
		queue:     repos.Queue,
		timers:    timers,
		publisher: publisher,
		clock:     clk,
		retry:     retry,
		opts:      opts,
		logger:    logging.Component(logger, "watchdog"),
	}
}

// Fire 定时器触发回调，可被重复调用
// 返回error时定时器保持认领状态，认领过期后会再次触发
func (w *Watchdog) Fire(ctx context.Context, workflowID string) error {
	log := w.logger.With().Str("workflow_id", workflowID).Logger()

	for round := 0; round < maxFireRounds; round++ {
		rec, err := w.workflows.Get(ctx, workflowID)
		if errors.Is(err, workflow.ErrNotFound) {
			log.Warn().Msg("[Watchdog] 工作流不存在，忽略触发")
			metrics.RecordWatchdogDecision("missing")
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取工作流失败: %w", err)
		}
		if rec.Status.IsTerminal() {
			log.Debug().Str("status", string(rec.Status)).Msg("[Watchdog] 工作流已结束，忽略触发")
			metrics.RecordWatchdogDecision("terminal")
			return nil
		}

		now := w.clock.Now().UTC()
		stale, err := w.currentTimerPending(ctx, rec, now)
		if err != nil {
			return err
		}
		if stale {
			log.Debug().Str("handle", rec.TimerHandle).Msg("[Watchdog] 当前定时器尚未到期，忽略过期或重复的触发")
			metrics.RecordWatchdogDecision("stale")
			return nil
		}

		switch {
		case w.opts.WorkflowTTL > 0 && now.Sub(rec.CreatedAt) >= w.opts.WorkflowTTL:
			err = w.fail(ctx, rec, workflow.ErrTTLExceeded, "ttl")
		case rec.RetryCount >= w.opts.MaxRetries:
			err = w.fail(ctx, rec, workflow.ErrRetryBudgetExhausted, "exhausted")
		default:
			err = w.resume(ctx, rec)
		}
		if errors.Is(err, errSuperseded) {
			log.Debug().Int("round", round).Msg("[Watchdog] 记录已被并发修改，重新判断")
			continue
		}
		return err
	}
	return fmt.Errorf("%w: 看门狗判断连续%d次被并发修改: %s", workflow.ErrConflict, maxFireRounds, workflowID)
}

// currentTimerPending 记录上挂的定时器是否仍在等待触发
func (w *Watchdog) currentTimerPending(ctx context.Context, rec *workflow.Record, now time.Time) (bool, error) {
	if !rec.HasLiveTimer() {
		return false, nil
	}
	t, err := w.timers.Get(ctx, rec.TimerHandle)
	if errors.Is(err, timer.ErrTimerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询定时器失败: %w", err)
	}
	return t.IsPending(now), nil
}

// resume 布置新定时器、推进重试计数并投递RESUME
func (w *Watchdog) resume(ctx context.Context, rec *workflow.Record) error {
	log := w.logger.With().Str("workflow_id", rec.WorkflowID).Logger()

	var handle string
	if err := w.retry.Execute(ctx, func(ctx context.Context, _ int) error {
		h, err := w.timers.Arm(ctx, rec.WorkflowID, w.opts.Delay)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}); err != nil {
		return fmt.Errorf("布置续跑定时器失败: %w", err)
	}

	updated, err := w.workflows.Update(ctx, rec.WorkflowID, func(r *workflow.Record) error {
		if !r.Status.IsActive() || r.RetryCount != rec.RetryCount || r.TimerHandle != rec.TimerHandle {
			return errSuperseded
		}
		r.RetryCount++
		r.TimerHandle = handle
		return nil
	})
	if err != nil {
		w.disarm(ctx, handle)
		if errors.Is(err, workflow.ErrConflict) {
			return errSuperseded
		}
		return err
	}
	w.disarm(ctx, rec.TimerHandle)

	payload, err := json.Marshal(queue.ResumePayload{Attempt: updated.RetryCount})
	if err != nil {
		return fmt.Errorf("序列化RESUME载荷失败: %w", err)
	}
	msg := &queue.Message{WorkflowID: rec.WorkflowID, MessageType: queue.MessageResume, Payload: payload}
	if err := w.retry.Execute(ctx, func(ctx context.Context, _ int) error {
		_, err := w.queue.Enqueue(ctx, msg)
		return err
	}); err != nil {
		// 新定时器已生效，下一轮触发会再次续跑
		log.Error().Err(err).Int("attempt", updated.RetryCount).Msg("[Watchdog] RESUME入队失败")
		metrics.RecordWatchdogDecision("resume_enqueue_failed")
		return nil
	}

	metrics.RecordWatchdogDecision("resumed")
	log.Info().Int("attempt", updated.RetryCount).Int("max_retries", w.opts.MaxRetries).Msg("[Watchdog] 工作流未完成，已发起续跑")
	now := w.clock.Now().UTC()
	w.publish(ctx, events.NewEvent(events.EventWorkflowResumed, rec.WorkflowID, now), updated)
	w.publish(ctx, events.NewEvent(events.EventQueueEnqueued, rec.WorkflowID, now).
		WithMetadata("message_type", string(queue.MessageResume)), updated)
	return nil
}

// fail 判定失败并清除定时器
func (w *Watchdog) fail(ctx context.Context, rec *workflow.Record, reason error, decision string) error {
	updated, err := w.workflows.Update(ctx, rec.WorkflowID, func(r *workflow.Record) error {
		if !r.Status.IsActive() || r.RetryCount != rec.RetryCount || r.TimerHandle != rec.TimerHandle {
			return errSuperseded
		}
		r.Status = workflow.StatusFailed
		r.ErrorMessage = reason.Error()
		r.TimerHandle = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return errSuperseded
		}
		return err
	}
	w.disarm(ctx, rec.TimerHandle)

	metrics.RecordWatchdogDecision(decision)
	w.logger.Warn().Str("workflow_id", rec.WorkflowID).Int("retry_count", updated.RetryCount).
		Str("reason", reason.Error()).Msg("[Watchdog] 工作流已判定失败")
	evt := events.NewEvent(events.EventWorkflowFailed, rec.WorkflowID, w.clock.Now().UTC())
	evt.Message = reason.Error()
	w.publish(ctx, evt, updated)
	return nil
}

// Reconcile 启动对账：为没有有效定时器的活跃工作流重新布置看门狗，返回修复数量
func (w *Watchdog) Reconcile(ctx context.Context) (int, error) {
	active, err := w.workflows.ListActive(ctx, w.opts.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("查询活跃工作流失败: %w", err)
	}

	repaired := 0
	for _, rec := range active {
		guarded, err := w.guarded(ctx, rec)
		if err != nil {
			w.logger.Warn().Err(err).Str("workflow_id", rec.WorkflowID).Msg("[Watchdog] 检查定时器失败")
			continue
		}
		if guarded {
			continue
		}
		ok, err := w.rearm(ctx, rec)
		if err != nil {
			w.logger.Warn().Err(err).Str("workflow_id", rec.WorkflowID).Msg("[Watchdog] 重新布置定时器失败")
			continue
		}
		if ok {
			repaired++
		}
	}
	if repaired > 0 {
		w.logger.Info().Int("repaired", repaired).Int("active", len(active)).Msg("[Watchdog] 启动对账完成")
	}
	return repaired, nil
}

// guarded 记录上的定时器是否仍然有效（等待触发或已被认领触发中）
func (w *Watchdog) guarded(ctx context.Context, rec *workflow.Record) (bool, error) {
	if !rec.HasLiveTimer() {
		return false, nil
	}
	t, err := w.timers.Get(ctx, rec.TimerHandle)
	if errors.Is(err, timer.ErrTimerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.State == timer.StateArmed || t.State == timer.StateFiring, nil
}

// rearm 以条件更新替换记录上的定时器句柄
func (w *Watchdog) rearm(ctx context.Context, rec *workflow.Record) (bool, error) {
	handle, err := w.timers.Arm(ctx, rec.WorkflowID, w.opts.Delay)
	if err != nil {
		return false, err
	}
	_, err = w.workflows.Update(ctx, rec.WorkflowID, func(r *workflow.Record) error {
		if !r.Status.IsActive() || r.TimerHandle != rec.TimerHandle {
			return errSuperseded
		}
		r.TimerHandle = handle
		return nil
	})
	if err != nil {
		w.disarm(ctx, handle)
		if errors.Is(err, errSuperseded) || errors.Is(err, workflow.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	w.logger.Info().Str("workflow_id", rec.WorkflowID).Str("handle", handle).Msg("[Watchdog] 已为无人看护的工作流重新布置定时器")
	return true, nil
}

func (w *Watchdog) disarm(ctx context.Context, handle string) {
	if err := w.timers.Disarm(ctx, handle); err != nil {
		w.logger.Warn().Err(err).Str("handle", handle).Msg("[Watchdog] 撤销定时器失败")
	}
}

func (w *Watchdog) publish(ctx context.Context, evt *events.Event, rec *workflow.Record) {
	evt.SourceKey = rec.SourceKey
	evt.Status = string(rec.Status)
	evt.RetryCount = rec.RetryCount
	if err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("[Watchdog] 发布事件失败")
	}
}
