// Package app 组装引擎和API服务，管理进程生命周期
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/LENAX/task-watchdog/pkg/api"
	"github.com/LENAX/task-watchdog/pkg/config"
	"github.com/LENAX/task-watchdog/pkg/core/engine"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Options 进程启动参数
type Options struct {
	ConfigPath string
	Version    string
	// Listener 非空时使用该listener，否则按配置监听
	Listener net.Listener
	// Builder 可选，测试时注入agent、存储或时钟
	Builder func(cfg *config.EngineConfig) *engine.EngineBuilder
}

// Run 启动引擎和API服务，阻塞直到ctx取消或任一组件失败
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.LoadEngineConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	w := &cfg.TaskWatchdog
	logger := logging.New(w.General.LogLevel, w.General.Env).With().
		Str("instance", w.General.InstanceName).Logger()

	builder := engine.NewEngineBuilder("").WithConfig(cfg).WithLogger(logger)
	if opts.Builder != nil {
		builder = opts.Builder(cfg).WithConfig(cfg).WithLogger(logger)
	}
	eng, err := builder.Build()
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Repositories().Close(); err != nil {
			logger.Warn().Err(err).Msg("[App] 关闭存储失败")
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine failed: %w", err)
	}
	defer eng.Stop()

	server := api.NewAPIServer(eng, api.ServerConfig{
		Addr:          cfg.ListenAddr(),
		Mode:          w.Server.Mode,
		ReadTimeout:   w.Server.ReadTimeout,
		WriteTimeout:  w.Server.WriteTimeout,
		SigningSecret: w.Server.SigningSecret,
	}, opts.Version, logger)

	return serve(ctx, server, opts.Listener, logger)
}

func serve(ctx context.Context, server *api.APIServer, ln net.Listener, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ln == nil {
			return server.Start()
		}
		h, err := server.Handler()
		if err != nil {
			return err
		}
		return server.Serve(ln, h)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("[App] 收到退出信号，正在关闭")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
