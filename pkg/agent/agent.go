// Package agent 长任务执行方（agent）的调用契约及实现
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Outcome agent给出的最终结论
type Outcome string

const (
	// OutcomeCompleted 任务完成
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeFailed 任务失败（agent明确给出的结论，不会再续跑）
	OutcomeFailed Outcome = "FAILED"
)

// IsValid 是否为合法结论
func (o Outcome) IsValid() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// Task 一次调用的输入
type Task struct {
	WorkflowID string          `json:"workflow_id"`
	SourceKey  string          `json:"source_key"`
	Kind       string          `json:"kind"`    // START / RESUME
	Attempt    int             `json:"attempt"` // 0 表示首次执行
	Params     json.RawMessage `json:"params,omitempty"`
}

// Result agent自然结束时的结果
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Output  json.RawMessage `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Agent 执行长任务的一方
// Run 必须遵守 ctx 的截止时间；返回 error 表示调用本身出错（非结论），由看门狗负责续跑
type Agent interface {
	Run(ctx context.Context, task Task) (*Result, error)
}

// Func 函数适配器
type Func func(ctx context.Context, task Task) (*Result, error)

// Run 实现 Agent
func (f Func) Run(ctx context.Context, task Task) (*Result, error) {
	return f(ctx, task)
}

// Completed 构造完成结果
func Completed(output json.RawMessage) *Result {
	return &Result{Outcome: OutcomeCompleted, Output: output}
}

// Failed 构造失败结果
func Failed(format string, args ...interface{}) *Result {
	return &Result{Outcome: OutcomeFailed, Message: fmt.Sprintf(format, args...)}
}
