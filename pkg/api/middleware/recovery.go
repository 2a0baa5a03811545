package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery panic恢复中间件
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error().Interface("panic", err).Str("path", c.Request.URL.Path).
					Bytes("stack", debug.Stack()).Msg("[Recovery] panic recovered")

				// 返回500错误
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.NewErrorResponse(
					500,
					"Internal Server Error",
				))
			}
		}()
		c.Next()
	}
}
