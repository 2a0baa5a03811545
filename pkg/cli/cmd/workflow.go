package cmd

import (
	"fmt"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/cli/output"
	"github.com/spf13/cobra"
)

var (
	workflowSource string
	workflowStatus string
	workflowLimit  int
	workflowOffset int
	cancelReason   string
)

// workflowCmd workflow子命令
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Workflow管理命令",
	Long:  `查看和取消看门狗管理的工作流。`,
}

// workflowListCmd 列出工作流
var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出工作流",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ListWorkflows(workflowSource, workflowStatus, workflowLimit, workflowOffset)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(result)
		}

		if len(result.Items) == 0 {
			output.Info("暂无工作流")
			return nil
		}

		table := output.NewTable([]string{"WORKFLOW_ID", "SOURCE", "STATUS", "RETRIES", "AGE", "UPDATED"})
		for _, wf := range result.Items {
			table.AddRow([]string{
				wf.WorkflowID,
				wf.SourceKey,
				output.Status(wf.Status),
				fmt.Sprintf("%d", wf.RetryCount),
				wf.Age,
				wf.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		fmt.Fprintf(output.Writer, "\n总计: %d 条记录\n", result.Total)
		return nil
	},
}

// workflowGetCmd 查看工作流详情
var workflowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看工作流详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := newClient().GetWorkflow(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(wf)
		}
		printWorkflow(wf)
		return nil
	},
}

// workflowCancelCmd 取消工作流
var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "取消工作流",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := newClient().CancelWorkflow(args[0], cancelReason)
		if err != nil {
			output.Error("取消失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(wf)
		}
		output.Success("工作流已取消: %s", wf.WorkflowID)
		return nil
	},
}

func printWorkflow(wf *dto.WorkflowDetail) {
	w := output.Writer
	fmt.Fprintf(w, "Workflow: %s\n", wf.WorkflowID)
	fmt.Fprintf(w, "Source:   %s\n", wf.SourceKey)
	fmt.Fprintf(w, "Status:   %s\n", output.Status(wf.Status))
	fmt.Fprintf(w, "Retries:  %d\n", wf.RetryCount)
	fmt.Fprintf(w, "Created:  %s (%s)\n", wf.CreatedAt.Format("2006-01-02 15:04:05"), wf.Age)
	fmt.Fprintf(w, "Updated:  %s\n", wf.UpdatedAt.Format("2006-01-02 15:04:05"))
	if wf.TimerHandle != "" {
		fmt.Fprintf(w, "Timer:    %s\n", wf.TimerHandle)
	}
	if len(wf.TaskParams) > 0 {
		fmt.Fprintf(w, "Params:   %s\n", string(wf.TaskParams))
	}
	if wf.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:    %s\n", wf.ErrorMessage)
	}
}

func init() {
	workflowListCmd.Flags().StringVar(&workflowSource, "source", "", "按触发来源过滤")
	workflowListCmd.Flags().StringVar(&workflowStatus, "status", "", "按状态过滤 (PENDING/RUNNING/COMPLETED/FAILED)")
	workflowListCmd.Flags().IntVarP(&workflowLimit, "limit", "n", 20, "返回数量")
	workflowListCmd.Flags().IntVar(&workflowOffset, "offset", 0, "偏移量")
	workflowCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "取消原因")

	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
}
