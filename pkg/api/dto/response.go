package dto

import (
	"encoding/json"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// WorkflowDetail 工作流记录
type WorkflowDetail struct {
	WorkflowID     string          `json:"workflow_id"`
	SourceKey      string          `json:"source_key"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	TimerHandle    string          `json:"timer_handle,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TaskParams     json.RawMessage `json:"task_params,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Age            string          `json:"age,omitempty"`
}

// NewWorkflowDetail 由记录构造响应
func NewWorkflowDetail(rec *workflow.Record, now time.Time) WorkflowDetail {
	d := WorkflowDetail{
		WorkflowID:     rec.WorkflowID,
		SourceKey:      rec.SourceKey,
		Status:         string(rec.Status),
		RetryCount:     rec.RetryCount,
		TimerHandle:    rec.TimerHandle,
		IdempotencyKey: rec.IdempotencyKey,
		TaskParams:     rec.TaskParams,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	end := now
	if rec.Status.IsTerminal() {
		end = rec.UpdatedAt
	}
	if !rec.CreatedAt.IsZero() && end.After(rec.CreatedAt) {
		d.Age = FormatDuration(end.Sub(rec.CreatedAt))
	}
	return d
}

// TriggerResponse 触发响应
// Degraded 表示START入队失败，工作流由看门狗负责启动
type TriggerResponse struct {
	Workflow  WorkflowDetail `json:"workflow"`
	Duplicate bool           `json:"duplicate"`
	Degraded  bool           `json:"degraded,omitempty"`
}

// DeadLetterDetail 死信
type DeadLetterDetail struct {
	MessageID      string          `json:"message_id"`
	WorkflowID     string          `json:"workflow_id"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ReceiveCount   int             `json:"receive_count"`
	Reason         string          `json:"reason"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// NewDeadLetterDetail 由死信构造响应
func NewDeadLetterDetail(dl *queue.DeadLetter) DeadLetterDetail {
	return DeadLetterDetail{
		MessageID:      dl.MessageID,
		WorkflowID:     dl.WorkflowID,
		MessageType:    string(dl.MessageType),
		Payload:        dl.Payload,
		ReceiveCount:   dl.ReceiveCount,
		Reason:         dl.Reason,
		EnqueuedAt:     dl.EnqueuedAt,
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total   int  `json:"total"`
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// FormatDuration 格式化时长
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	if d < time.Hour {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
