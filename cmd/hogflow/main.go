// Package main 是 hogflow 引擎的命令行入口点
// hogflow 是事件驱动的 CDP 函数调用引擎：针对分析事件流评估
// 带过滤器的用户函数，并支持函数在执行中途挂起等待外部调用后恢复
package main

import (
	"os"

	"github.com/oriys/hogflow/cmd/hogflow/cmd"
)

// main 调用 cmd 包的 Execute 函数来解析和执行用户命令
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
