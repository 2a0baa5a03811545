package handler

import (
	"errors"
	"net/http"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/gin-gonic/gin"
)

// statusOf 将领域错误映射为HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, queue.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrConflict), errors.Is(err, workflow.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidTrigger), errors.Is(err, workflow.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrTransientDelivery):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError 写入错误响应
func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, dto.NewErrorResponse(status, err.Error()))
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponse(400, message))
}
