package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/gin-gonic/gin"
)

// IdempotencyHeader 请求体未携带幂等键时从该请求头读取
const IdempotencyHeader = "Idempotency-Key"

// TriggerHandler 触发接入处理器
type TriggerHandler struct {
	engine *engine.Engine
}

// NewTriggerHandler 创建TriggerHandler
func NewTriggerHandler(eng *engine.Engine) *TriggerHandler {
	return &TriggerHandler{engine: eng}
}

// Create 接收外部触发
// POST /api/v1/triggers
func (h *TriggerHandler) Create(c *gin.Context) {
	var req dto.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Sprintf("请求参数错误: %v", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyHeader)
	}

	res, err := h.engine.Ingest(c.Request.Context(), engine.TriggerRequest{
		SourceKey:      req.SourceKey,
		TaskParams:     req.TaskParams,
		IdempotencyKey: req.IdempotencyKey,
	})
	degraded := err != nil && res != nil && errors.Is(err, workflow.ErrTransientDelivery)
	if err != nil && !degraded {
		abortWithError(c, err)
		return
	}

	resp := dto.TriggerResponse{
		Workflow:  dto.NewWorkflowDetail(res.Record, time.Now()),
		Duplicate: res.Duplicate,
		Degraded:  degraded,
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.NewSuccessResponse(resp))
}
