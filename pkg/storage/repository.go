package storage

import (
	"context"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/timer"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
)

// WorkflowFilter 工作流列表查询条件
type WorkflowFilter struct {
	SourceKey string
	Status    workflow.Status
	Limit     int
	Offset    int
}

// WorkflowRepository Workflow Store接口（对外导出）
// 所有写操作按记录原子执行，状态修改只能经由 Update 的条件更新
type WorkflowRepository interface {
	// Put 保存新记录，workflow_id 冲突返回 workflow.ErrAlreadyExists
	Put(ctx context.Context, rec *workflow.Record) error
	// Get 查询记录，不存在返回 workflow.ErrNotFound
	Get(ctx context.Context, workflowID string) (*workflow.Record, error)
	// Update 基于版本号的条件更新；终态记录上的修改返回 workflow.ErrConflict
	Update(ctx context.Context, workflowID string, mutate workflow.Mutator) (*workflow.Record, error)
	// QueryBySource 按来源查询，status 为空表示不过滤
	QueryBySource(ctx context.Context, sourceKey string, status workflow.Status) ([]*workflow.Record, error)
	// ListActive 列出非终态记录（重启对账、巡检用）
	ListActive(ctx context.Context, limit int) ([]*workflow.Record, error)
	// List 分页查询，返回当前页和总数
	List(ctx context.Context, filter WorkflowFilter) ([]*workflow.Record, int, error)
}

// QueueRepository Work Queue接口（对外导出）
type QueueRepository interface {
	// Enqueue 入队；去重窗口内的相同内容返回 duplicate=true 且不报错
	Enqueue(ctx context.Context, msg *queue.Message) (duplicate bool, err error)
	// Dequeue 租约方式取消息，每个workflow分组同一时刻至多一条在租
	Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]*queue.Delivery, error)
	// Ack 确认并永久删除，回执失效返回 queue.ErrStaleReceipt
	Ack(ctx context.Context, receiptHandle string) error
	// ListDeadLetters 列出死信
	ListDeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error)
	// RedriveDeadLetter 把死信重新放回队列尾部
	RedriveDeadLetter(ctx context.Context, messageID string) error
	// PurgeDedup 清理过期的去重记录
	PurgeDedup(ctx context.Context) (int64, error)
	// Stats 队列概况
	Stats(ctx context.Context) (queue.Stats, error)
}

// DeadLetterHook 消息转入死信时的回调
type DeadLetterHook func(dl *queue.DeadLetter)

// DeadLetterNotifier 支持死信回调的队列实现
type DeadLetterNotifier interface {
	SetDeadLetterHook(hook DeadLetterHook)
}

// TimerRepository 定时器存储接口，定义在 timer 包中以避免循环依赖
type TimerRepository = timer.Repository

// Repositories 存储Repository集合
type Repositories struct {
	Workflows WorkflowRepository
	Queue     QueueRepository
	Timers    TimerRepository
	closer    func() error
}

// NewRepositories 组装Repository集合，closer 可为空
func NewRepositories(w WorkflowRepository, q QueueRepository, t TimerRepository, closer func() error) *Repositories {
	return &Repositories{Workflows: w, Queue: q, Timers: t, closer: closer}
}

// Close 释放底层连接
func (r *Repositories) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
