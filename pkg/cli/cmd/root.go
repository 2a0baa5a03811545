package cmd

import (
	"os"

	"github.com/LENAX/task-watchdog/pkg/cli/client"
	"github.com/spf13/cobra"
)

var (
	// 全局变量
	serverURL     string
	signingSecret string
	outputJSON    bool
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Task Watchdog CLI - 长任务看门狗命令行工具",
	Long: `Task Watchdog CLI 用于管理看门狗服务中的长任务工作流。

支持的功能：
  - 发送触发请求
  - 查看、取消工作流
  - 查看队列状态和死信，重新投递死信
  - 启动看门狗服务

使用示例：
  # 列出运行中的工作流
  watchdog workflow list --status RUNNING

  # 取消工作流
  watchdog workflow cancel <workflow-id> --reason "PR closed"

  # 启动服务
  watchdog serve --config ./configs/watchdog.yaml`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL, signingSecret)
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "看门狗服务地址")
	rootCmd.PersistentFlags().StringVar(&signingSecret, "secret", os.Getenv("WATCHDOG_SIGNING_SECRET"), "触发请求签名密钥")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")

	// 添加子命令
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
