package cli

import (
	"github.com/spf13/cobra"
)

var simulateReason string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟的同步失败告警, 用于验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateReason)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateReason, "reason", "", "告警中展示的错误信息")
}
