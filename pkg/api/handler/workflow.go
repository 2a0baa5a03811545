package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/gin-gonic/gin"
)

// WorkflowHandler Workflow API处理器
type WorkflowHandler struct {
	engine *engine.Engine
}

// NewWorkflowHandler 创建WorkflowHandler
func NewWorkflowHandler(eng *engine.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: eng}
}

// List 分页列出工作流
// GET /api/v1/workflows?source_key=&status=&limit=&offset=
func (h *WorkflowHandler) List(c *gin.Context) {
	var query dto.WorkflowQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, fmt.Sprintf("查询参数错误: %v", err))
		return
	}

	limit := query.GetDefaultLimit()
	records, total, err := h.engine.ListWorkflows(c.Request.Context(), storage.WorkflowFilter{
		SourceKey: query.SourceKey,
		Status:    workflow.Status(query.Status),
		Limit:     limit,
		Offset:    query.Offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	now := time.Now()
	items := make([]dto.WorkflowDetail, 0, len(records))
	for _, rec := range records {
		items = append(items, dto.NewWorkflowDetail(rec, now))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.WorkflowDetail]{
		Total:   total,
		Items:   items,
		HasMore: query.Offset+len(items) < total,
	}))
}

// Get 获取工作流详情
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c *gin.Context) {
	rec, err := h.engine.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewWorkflowDetail(rec, time.Now())))
}

// Cancel 取消工作流
// POST /api/v1/workflows/:id/cancel
func (h *WorkflowHandler) Cancel(c *gin.Context) {
	var req dto.CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, fmt.Sprintf("请求参数错误: %v", err))
			return
		}
	}

	rec, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.NewWorkflowDetail(rec, time.Now())))
}
