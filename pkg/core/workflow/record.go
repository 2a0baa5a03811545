package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record 一个被触发的长任务对应的持久化记录（对外导出）
type Record struct {
	WorkflowID     string          `json:"workflow_id"`
	Status         Status          `json:"status"`
	SourceKey      string          `json:"source_key"`
	RetryCount     int             `json:"retry_count"`
	TimerHandle    string          `json:"timer_handle"`
	TaskParams     json.RawMessage `json:"task_params,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	IngestToken    string          `json:"-"` // 创建该记录的那次触发请求的随机标识
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Mutator 条件更新时作用于记录副本的修改函数
// 返回 ErrSkipUpdate 表示不写入；返回其他错误则中止更新并原样透传
type Mutator func(rec *Record) error

// NewRecord 创建PENDING状态的记录
func NewRecord(workflowID, sourceKey string, params json.RawMessage, now time.Time) *Record {
	return &Record{
		WorkflowID: workflowID,
		Status:     StatusPending,
		SourceKey:  sourceKey,
		TaskParams: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.TaskParams != nil {
		c.TaskParams = append(json.RawMessage(nil), r.TaskParams...)
	}
	return &c
}

// HasLiveTimer 记录上是否挂有定时器
func (r *Record) HasLiveTimer() bool {
	return r.TimerHandle != ""
}

// sameState 比较可变字段
func (r *Record) sameState(o *Record) bool {
	return r.Status == o.Status &&
		r.RetryCount == o.RetryCount &&
		r.TimerHandle == o.TimerHandle &&
		r.ErrorMessage == o.ErrorMessage
}

// Apply 在记录副本上执行mutator并校验状态迁移（各存储实现共用）
// 返回新记录以及是否需要写入。终态记录上的任何实际修改都会返回 ErrConflict。
func Apply(current *Record, mutate Mutator) (*Record, bool, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current, false, nil
		}
		return nil, false, err
	}

	if next.WorkflowID != current.WorkflowID ||
		next.SourceKey != current.SourceKey ||
		next.IdempotencyKey != current.IdempotencyKey ||
		!next.CreatedAt.Equal(current.CreatedAt) ||
		!bytes.Equal(next.TaskParams, current.TaskParams) {
		return nil, false, fmt.Errorf("%w: immutable field modified on %s", ErrConflict, current.WorkflowID)
	}
	if !next.Status.IsValid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, next.Status)
	}

	if current.sameState(next) {
		return current, false, nil
	}
	if current.Status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: %s is already %s", ErrConflict, current.WorkflowID, current.Status)
	}
	if !current.Status.CanTransitionTo(next.Status) {
		return nil, false, fmt.Errorf("%w: illegal transition %s -> %s", ErrConflict, current.Status, next.Status)
	}
	if next.RetryCount < current.RetryCount {
		return nil, false, fmt.Errorf("%w: retry_count cannot decrease", ErrConflict)
	}
	return next, true, nil
}
