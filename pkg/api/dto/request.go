package dto

import "encoding/json"

// TriggerRequest 外部触发请求
type TriggerRequest struct {
	SourceKey      string          `json:"source_key" binding:"required"`
	TaskParams     json.RawMessage `json:"task_params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CancelRequest 取消工作流请求
type CancelRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=512"`
}

// ListQueryRequest 通用列表查询请求
type ListQueryRequest struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// WorkflowQueryRequest 工作流列表查询请求
type WorkflowQueryRequest struct {
	ListQueryRequest
	SourceKey string `form:"source_key"`
	Status    string `form:"status" binding:"omitempty,oneof=PENDING RUNNING COMPLETED FAILED"`
}

// GetDefaultLimit 获取默认limit
func (r *ListQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 20
	}
	return r.Limit
}
