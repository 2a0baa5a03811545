// Package events 工作流生命周期事件及基于watermill的进程内事件总线
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型（同时作为watermill topic）
type EventType string

const (
	// 工作流生命周期事件
	EventWorkflowCreated   EventType = "workflow.created"   // 已接收触发，记录已创建
	EventWorkflowStarted   EventType = "workflow.started"   // invoker开始执行
	EventWorkflowResumed   EventType = "workflow.resumed"   // 看门狗发起续跑
	EventWorkflowCompleted EventType = "workflow.completed" // 完成
	EventWorkflowFailed    EventType = "workflow.failed"    // 失败（含重试耗尽、TTL超时）
	EventWorkflowCancelled EventType = "workflow.cancelled" // 被运维取消

	// 队列事件
	EventQueueEnqueued     EventType = "queue.enqueued"      // 新消息入队（唤醒invoker）
	EventQueueDeadLettered EventType = "queue.dead_lettered" // 消息转入死信
)

// LifecycleEvents 全部生命周期事件类型
var LifecycleEvents = []EventType{
	EventWorkflowCreated,
	EventWorkflowStarted,
	EventWorkflowResumed,
	EventWorkflowCompleted,
	EventWorkflowFailed,
	EventWorkflowCancelled,
	EventQueueDeadLettered,
}

// IsTerminal 是否为终态事件
func (t EventType) IsTerminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed || t == EventWorkflowCancelled
}

// Event 生命周期事件
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	WorkflowID string            `json:"workflow_id"`
	SourceKey  string            `json:"source_key,omitempty"`
	Status     string            `json:"status,omitempty"`
	RetryCount int               `json:"retry_count"`
	Message    string            `json:"message,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEvent 创建事件
func NewEvent(eventType EventType, workflowID string, ts time.Time) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		WorkflowID: workflowID,
		Timestamp:  ts,
	}
}

// WithMetadata 添加元数据
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
