package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidTrigger 触发请求不合法
var ErrInvalidTrigger = errors.New("invalid trigger")

// idempotencyNamespace 由幂等键派生workflow_id时使用的UUIDv5命名空间
var idempotencyNamespace = uuid.MustParse("6f1c2a8e-4b1d-5e3f-9a70-2c6d8e4b1f05")

// TriggerRequest 外部触发请求
type TriggerRequest struct {
	SourceKey      string          `json:"source_key"`
	TaskParams     json.RawMessage `json:"task_params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Validate 校验触发请求
func (r *TriggerRequest) Validate() error {
	if strings.TrimSpace(r.SourceKey) == "" {
		return fmt.Errorf("%w: source_key不能为空", ErrInvalidTrigger)
	}
	if len(r.TaskParams) > 0 && !json.Valid(r.TaskParams) {
		return fmt.Errorf("%w: task_params不是合法JSON", ErrInvalidTrigger)
	}
	return nil
}

// WorkflowID 计算workflow_id：带幂等键时由 source_key + idempotency_key 确定性派生
func (r *TriggerRequest) WorkflowID() string {
	if r.IdempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(r.SourceKey+"\x00"+r.IdempotencyKey)).String()
}

// IngestResult 触发处理结果
type IngestResult struct {
	Record    *workflow.Record `json:"record"`
	Duplicate bool             `json:"duplicate"`
}

// Ingestor 触发接入处理器（对外导出）
// 依次完成：创建PENDING记录、START入队、布置看门狗定时器并写回句柄
type Ingestor struct {
	workflows storage.WorkflowRepository
	queue     storage.QueueRepository
	timers    *timer.Service
	publisher events.Publisher
	clock     clock.Clock
	retry     RetryPolicy
	delay     time.Duration
	logger    zerolog.Logger
}

// NewIngestor 创建触发接入处理器
func NewIngestor(repos *storage.Repositories, timers *timer.Service, publisher events.Publisher,
	clk clock.Clock, retry RetryPolicy, watchdogDelay time.Duration, logger zerolog.Logger) *Ingestor {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Ingestor{
		workflows: repos.Workflows,
		queue:     repos.Queue,
		timers:    timers,
		publisher: publisher,
		clock:     clk,
		retry:     retry,
		delay:     watchdogDelay,
		logger:    logging.Component(logger, "ingestion"),
	}
}

// Ingest 处理一次外部触发
// 同一幂等键的重复触发返回已有记录（Duplicate=true）。START入队最终失败时记录和定时器仍然保留，
// 返回的error包装 workflow.ErrTransientDelivery，调用方可以相同输入重试。
func (i *Ingestor) Ingest(ctx context.Context, req TriggerRequest) (*IngestResult, error) {
	if err := req.Validate(); err != nil {
		metrics.RecordTrigger("invalid")
		return nil, err
	}

	now := i.clock.Now().UTC()
	rec := workflow.NewRecord(req.WorkflowID(), req.SourceKey, req.TaskParams, now)
	rec.IdempotencyKey = req.IdempotencyKey
	rec.IngestToken = uuid.NewString()
	log := i.logger.With().Str("workflow_id", rec.WorkflowID).Str("source_key", rec.SourceKey).Logger()

	// 1. 创建记录
	var existing *workflow.Record
	err := i.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		err := i.workflows.Put(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, workflow.ErrAlreadyExists) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("[Ingestion] 创建记录失败，准备重试")
			return err
		}
		cur, gerr := i.workflows.Get(ctx, rec.WorkflowID)
		if gerr != nil {
			return gerr
		}
		if cur.SourceKey != rec.SourceKey {
			return Permanent(fmt.Errorf("%w: workflow_id %s 已属于来源 %s", workflow.ErrConflict, cur.WorkflowID, cur.SourceKey))
		}
		// 令牌一致说明是本次请求先前某次尝试已写入成功（如提交后连接中断）
		if cur.IngestToken != rec.IngestToken {
			existing = cur
		}
		return nil
	})
	if err != nil {
		metrics.RecordTrigger("error")
		return nil, fmt.Errorf("创建工作流记录失败: %w", err)
	}

	if existing != nil {
		log.Info().Str("status", string(existing.Status)).Msg("[Ingestion] 重复触发，返回已有记录")
		repaired := i.ensureTimer(ctx, existing)
		metrics.RecordTrigger("duplicate")
		return &IngestResult{Record: repaired, Duplicate: true}, nil
	}

	// 2. START入队
	start, err := json.Marshal(queue.StartPayload{SourceKey: rec.SourceKey, TaskParams: rec.TaskParams})
	if err != nil {
		return nil, fmt.Errorf("序列化START载荷失败: %w", err)
	}
	msg := &queue.Message{WorkflowID: rec.WorkflowID, MessageType: queue.MessageStart, Payload: start}
	enqueueErr := i.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		_, err := i.queue.Enqueue(ctx, msg)
		return err
	})
	if enqueueErr != nil {
		log.Error().Err(enqueueErr).Msg("[Ingestion] START入队失败，依赖看门狗续跑")
	}

	// 3. 布置看门狗
	current := i.ensureTimer(ctx, rec)

	i.publish(ctx, events.NewEvent(events.EventWorkflowCreated, rec.WorkflowID, now), current)
	if enqueueErr != nil {
		metrics.RecordTrigger("degraded")
		return &IngestResult{Record: current}, fmt.Errorf("START入队失败: %w", enqueueErr)
	}
	i.publish(ctx, events.NewEvent(events.EventQueueEnqueued, rec.WorkflowID, now).
		WithMetadata("message_type", string(queue.MessageStart)), current)

	metrics.RecordTrigger("created")
	log.Info().Msg("[Ingestion] 工作流已接收")
	return &IngestResult{Record: current}, nil
}

// ensureTimer 为活跃且没有定时器的记录布置看门狗并写回句柄
// 失败时只记录告警：记录保持活跃但无定时器，由启动对账修复
func (i *Ingestor) ensureTimer(ctx context.Context, rec *workflow.Record) *workflow.Record {
	if !rec.Status.IsActive() || rec.HasLiveTimer() {
		return rec
	}
	log := i.logger.With().Str("workflow_id", rec.WorkflowID).Logger()

	var handle string
	err := i.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		h, err := i.timers.Arm(ctx, rec.WorkflowID, i.delay)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("[Ingestion] 布置看门狗失败，工作流暂时无人看护")
		return rec
	}

	updated, err := i.workflows.Update(ctx, rec.WorkflowID, func(r *workflow.Record) error {
		if !r.Status.IsActive() || r.TimerHandle != "" {
			return workflow.ErrSkipUpdate
		}
		r.TimerHandle = handle
		return nil
	})
	if err != nil || updated.TimerHandle != handle {
		// 已被其他写入者挂上定时器或已进入终态
		if derr := i.timers.Disarm(ctx, handle); derr != nil {
			log.Warn().Err(derr).Str("handle", handle).Msg("[Ingestion] 撤销多余定时器失败")
		}
		if err != nil {
			log.Warn().Err(err).Msg("[Ingestion] 写回定时器句柄失败")
			return rec
		}
		return updated
	}
	return updated
}

func (i *Ingestor) publish(ctx context.Context, evt *events.Event, rec *workflow.Record) {
	evt.SourceKey = rec.SourceKey
	evt.Status = string(rec.Status)
	evt.RetryCount = rec.RetryCount
	if err := i.publisher.Publish(ctx, evt); err != nil {
		i.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("[Ingestion] 发布事件失败")
	}
}
