package workflow

import "errors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("workflow not found")
	// ErrAlreadyExists workflow_id 冲突
	ErrAlreadyExists = errors.New("workflow already exists")
	// ErrConflict 条件更新失败：并发竞争失败或试图修改终态记录（StateConflict）
	ErrConflict = errors.New("workflow state conflict")
	// ErrSkipUpdate 由Mutator返回，表示无需写入
	ErrSkipUpdate = errors.New("skip update")
	// ErrInvalidStatus 非法状态值
	ErrInvalidStatus = errors.New("invalid workflow status")
	// ErrRetryBudgetExhausted Watchdog重试次数耗尽
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrCancelled 被运维人员取消
	ErrCancelled = errors.New("workflow cancelled")
	// ErrTTLExceeded 超过工作流整体存活时间
	ErrTTLExceeded = errors.New("workflow ttl exceeded")
	// ErrTransientDelivery 队列或定时器写入失败（TransientDeliveryFailure），调用方以相同输入重试
	ErrTransientDelivery = errors.New("transient delivery failure")
)
