package handler

import (
	"fmt"
	"net/http"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/gin-gonic/gin"
)

// QueueHandler 队列与死信API处理器
type QueueHandler struct {
	engine *engine.Engine
}

// NewQueueHandler 创建QueueHandler
func NewQueueHandler(eng *engine.Engine) *QueueHandler {
	return &QueueHandler{engine: eng}
}

// Stats 队列概况
// GET /api/v1/queue/stats
func (h *QueueHandler) Stats(c *gin.Context) {
	st, err := h.engine.QueueStats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(st))
}

// ListDeadLetters 列出死信
// GET /api/v1/deadletters?limit=
func (h *QueueHandler) ListDeadLetters(c *gin.Context) {
	var query dto.ListQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, fmt.Sprintf("查询参数错误: %v", err))
		return
	}

	dls, err := h.engine.ListDeadLetters(c.Request.Context(), query.GetDefaultLimit())
	if err != nil {
		abortWithError(c, err)
		return
	}
	items := make([]dto.DeadLetterDetail, 0, len(dls))
	for _, dl := range dls {
		items = append(items, dto.NewDeadLetterDetail(dl))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.DeadLetterDetail]{
		Total: len(items),
		Items: items,
	}))
}

// Redrive 把死信放回队列
// POST /api/v1/deadletters/:id/redrive
func (h *QueueHandler) Redrive(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.RedriveDeadLetter(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message_id": id,
		"status":     "redriven",
	}))
}
