package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// MessageType 消息类型
type MessageType string

const (
	// MessageStart 首次启动任务
	MessageStart MessageType = "START"
	// MessageResume Watchdog发起的续跑
	MessageResume MessageType = "RESUME"
)

var (
	// ErrStaleReceipt 回执已失效（租约过期后被重新投递）
	ErrStaleReceipt = errors.New("stale receipt handle")
	// ErrPoisonMessage 超过最大投递次数，进入死信
	ErrPoisonMessage = errors.New("poison message")
	// ErrDeadLetterNotFound 死信不存在
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Message 工作队列消息（线上格式）
// 分组键为 WorkflowID：同一workflow的消息严格有序、不会并发投递
type Message struct {
	WorkflowID  string          `json:"workflow_id"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
}

// ContentHash 内容哈希，用于去重窗口
func (m *Message) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(m.WorkflowID))
	h.Write([]byte{0})
	h.Write([]byte(m.MessageType))
	h.Write([]byte{0})
	h.Write(m.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Delivery 一次租约投递
type Delivery struct {
	Message
	MessageID     string    `json:"message_id"`
	ReceiptHandle string    `json:"receipt_handle"`
	ReceiveCount  int       `json:"receive_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LeaseUntil    time.Time `json:"lease_until"`
}

// DeadLetter 死信
type DeadLetter struct {
	Message
	MessageID      string    `json:"message_id"`
	ContentHash    string    `json:"content_hash"`
	ReceiveCount   int       `json:"receive_count"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Stats 队列概况
type Stats struct {
	Depth       int `json:"depth"`
	InFlight    int `json:"in_flight"`
	DeadLetters int `json:"dead_letters"`
}

// Options 队列行为参数
type Options struct {
	// MaxReceiveCount 未确认投递次数上限，超过后转入死信
	MaxReceiveCount int
	// DedupWindow 内容去重窗口
	DedupWindow time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		MaxReceiveCount: 3,
		DedupWindow:     5 * time.Minute,
	}
}

// Normalize 补全非法值
func (o Options) Normalize() Options {
	d := DefaultOptions()
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = d.MaxReceiveCount
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = d.DedupWindow
	}
	return o
}

// StartPayload START消息载荷
type StartPayload struct {
	SourceKey  string          `json:"source_key"`
	TaskParams json.RawMessage `json:"task_params,omitempty"`
}

// ResumePayload RESUME消息载荷，Attempt 让不同轮次的续跑不会被去重合并
type ResumePayload struct {
	Attempt int `json:"attempt"`
}
