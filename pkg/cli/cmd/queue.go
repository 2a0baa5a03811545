package cmd

import (
	"fmt"
	"strconv"

	"github.com/LENAX/task-watchdog/pkg/cli/output"
	"github.com/spf13/cobra"
)

var dlqLimit int

// queueCmd queue子命令
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "队列状态命令",
}

// queueStatsCmd 队列概况
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "查看队列深度、在途消息和死信数量",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().QueueStats()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(st)
		}
		table := output.NewTable([]string{"DEPTH", "IN_FLIGHT", "DEAD_LETTERS"})
		table.AddRow([]string{strconv.Itoa(st.Depth), strconv.Itoa(st.InFlight), strconv.Itoa(st.DeadLetters)})
		table.Render()
		return nil
	},
}

// dlqCmd 死信子命令
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "死信队列命令",
	Long:  `查看超过最大接收次数的消息，并在排查后重新投递。`,
}

// dlqListCmd 列出死信
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出死信",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ListDeadLetters(dlqLimit)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无死信")
			return nil
		}

		table := output.NewTable([]string{"MESSAGE_ID", "WORKFLOW_ID", "TYPE", "RECEIVES", "DEAD_LETTERED", "REASON"})
		for _, dl := range result.Items {
			table.AddRow([]string{
				dl.MessageID,
				dl.WorkflowID,
				dl.MessageType,
				strconv.Itoa(dl.ReceiveCount),
				dl.DeadLetteredAt.Format("2006-01-02 15:04:05"),
				dl.Reason,
			})
		}
		table.Render()
		fmt.Fprintf(output.Writer, "\n总计: %d 条记录\n", result.Total)
		return nil
	},
}

// dlqRedriveCmd 重新投递死信
var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive <message-id>",
	Short: "把死信重新放回队列",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RedriveDeadLetter(args[0]); err != nil {
			output.Error("重新投递失败: %v", err)
			return err
		}
		output.Success("死信已重新入队: %s", args[0])
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 50, "返回数量")

	queueCmd.AddCommand(queueStatsCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRedriveCmd)
}
