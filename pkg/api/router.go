package api

import (
	"github.com/LENAX/task-watchdog/pkg/api/handler"
	"github.com/LENAX/task-watchdog/pkg/api/middleware"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterConfig 路由配置
type RouterConfig struct {
	Version       string
	Mode          string // gin模式：debug/release/test，默认release
	SigningSecret string // 触发请求HMAC密钥，为空时不校验
}

// SetupRouter 设置路由
// hub 为空时不提供事件流接口
func SetupRouter(eng *engine.Engine, hub *handler.EventHub, cfg RouterConfig, logger zerolog.Logger) *gin.Engine {
	// 设置gin模式
	mode := cfg.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))

	// 创建handlers
	triggerHandler := handler.NewTriggerHandler(eng)
	workflowHandler := handler.NewWorkflowHandler(eng)
	queueHandler := handler.NewQueueHandler(eng)
	healthHandler := handler.NewHealthHandler(eng, cfg.Version)

	// 健康检查和指标（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		v1.POST("/triggers", middleware.Signature(cfg.SigningSecret, logger), triggerHandler.Create)

		workflows := v1.Group("/workflows")
		{
			workflows.GET("", workflowHandler.List)
			workflows.GET("/:id", workflowHandler.Get)
			workflows.POST("/:id/cancel", workflowHandler.Cancel)
		}

		deadletters := v1.Group("/deadletters")
		{
			deadletters.GET("", queueHandler.ListDeadLetters)
			deadletters.POST("/:id/redrive", queueHandler.Redrive)
		}

		v1.GET("/queue/stats", queueHandler.Stats)

		if hub != nil {
			v1.GET("/events", hub.Stream)
		}
	}

	return router
}
