package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/cli/output"
	"github.com/spf13/cobra"
)

var (
	triggerSource string
	triggerParams string
	triggerKey    string
)

// triggerCmd 发送触发请求
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "发送触发请求，创建工作流",
	Long: `向看门狗服务发送触发请求。相同的触发在去重窗口内只会创建一个工作流。

示例：
  watchdog trigger --source github:acme/api#42 --params '{"pr":42}'

  # 从文件读取参数
  watchdog trigger --source github:acme/api#42 --params @params.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := readParams(triggerParams)
		if err != nil {
			output.Error("读取参数失败: %v", err)
			return err
		}

		res, err := newClient().Trigger(dto.TriggerRequest{
			SourceKey:      triggerSource,
			TaskParams:     params,
			IdempotencyKey: triggerKey,
		})
		if err != nil {
			output.Error("触发失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(res)
		}
		switch {
		case res.Duplicate:
			output.Warning("重复触发，返回已有工作流: %s", res.Workflow.WorkflowID)
		case res.Degraded:
			output.Warning("工作流已创建但入队失败，将由看门狗接管: %s", res.Workflow.WorkflowID)
		default:
			output.Success("工作流已创建: %s", res.Workflow.WorkflowID)
		}
		return nil
	},
}

// readParams 解析 --params，以@开头时读取文件
func readParams(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if raw[0] == '@' {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("task params must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func init() {
	triggerCmd.Flags().StringVar(&triggerSource, "source", "", "触发来源标识（必填）")
	triggerCmd.Flags().StringVar(&triggerParams, "params", "", "任务参数JSON，@file 表示从文件读取")
	triggerCmd.Flags().StringVar(&triggerKey, "idempotency-key", "", "幂等键")
	if err := triggerCmd.MarkFlagRequired("source"); err != nil {
		panic(fmt.Sprintf("mark flag required: %v", err))
	}
}
