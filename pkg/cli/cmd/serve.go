package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/LENAX/task-watchdog/internal/app"
	"github.com/LENAX/task-watchdog/pkg/cli/output"
	"github.com/spf13/cobra"
)

var configPath string

// serveCmd 启动看门狗服务
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动看门狗服务",
	Long: `启动看门狗引擎和HTTP API服务，收到 SIGINT/SIGTERM 后优雅退出。

示例：
  watchdog serve --config ./configs/watchdog.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			for _, p := range []string{"./configs/watchdog.yaml", "./watchdog.yaml"} {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
		if configPath == "" {
			output.Warning("未找到配置文件，使用默认配置和环境变量")
		} else {
			output.Info("使用配置文件: %s", configPath)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := app.Run(ctx, app.Options{ConfigPath: configPath, Version: Version}); err != nil {
			output.Error("服务异常退出: %v", err)
			return err
		}
		output.Success("服务已停止")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径")
}
