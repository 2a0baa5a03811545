package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/api/handler"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/rs/zerolog"
)

// ServerConfig API服务器配置
type ServerConfig struct {
	Addr          string        // 监听地址 host:port
	Mode          string        // gin模式
	ReadTimeout   time.Duration // 读取超时
	WriteTimeout  time.Duration // 写入超时
	SigningSecret string        // 触发请求HMAC密钥
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// APIServer HTTP API服务器
type APIServer struct {
	engine     *engine.Engine
	httpServer *http.Server
	config     ServerConfig
	version    string
	logger     zerolog.Logger
	mu         sync.Mutex
	closed     bool
}

// NewAPIServer 创建API服务器
func NewAPIServer(eng *engine.Engine, config ServerConfig, version string, logger zerolog.Logger) *APIServer {
	return &APIServer{
		engine:  eng,
		config:  config,
		version: version,
		logger:  logging.Component(logger, "api"),
	}
}

// Handler 构建路由；引擎带事件总线时注册websocket事件流
func (s *APIServer) Handler() (http.Handler, error) {
	var hub *handler.EventHub
	if bus := s.engine.Bus(); bus != nil {
		h, err := handler.NewEventHub(bus, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create event hub failed: %w", err)
		}
		hub = h
	}
	return SetupRouter(s.engine, hub, RouterConfig{
		Version:       s.version,
		Mode:          s.config.Mode,
		SigningSecret: s.config.SigningSecret,
	}, s.logger), nil
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *APIServer) Start() error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server listen failed: %w", err)
	}
	return s.Serve(ln, h)
}

// Serve 在给定listener上提供服务
func (s *APIServer) Serve(ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("[APIServer] API服务已启动")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server serve failed: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("[APIServer] 正在关闭API服务")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("[APIServer] API服务已停止")
	return nil
}

// Addr 获取服务器地址
func (s *APIServer) Addr() string {
	return s.config.Addr
}
