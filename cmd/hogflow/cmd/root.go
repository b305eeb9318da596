// Package cmd 包含 hogflow CLI 的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"github.com/spf13/cobra"
)

// 全局命令行标志变量
var (
	cfgFile string // 配置文件路径
)

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "hogflow",
	Short: "hogflow - CDP function invocation engine",
	Long: `hogflow 是事件驱动的 CDP 函数调用引擎。

它消费主事件流、针对每条事件评估带过滤器的用户函数，并通过
持久化延续队列支持函数在执行中途挂起等待外部 HTTP 调用后恢复。

使用示例:
  # 启动引擎
  hogflow serve --config /etc/hogflow/config.yaml`,
}

// Execute 执行根命令，是 CLI 的入口函数，由 main 包调用。
func Execute() error {
	return rootCmd.Execute()
}

// init 注册全局标志。
func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/hogflow/config.yaml", "配置文件路径")
}
