// Package main 是工站终端后端的命令行入口
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "车间工站终端后端",
	Long:  "扫码挂载工站运行，执行检查清单和加工阶段，记录审计，并通过 HTTP 和 WebSocket 驱动终端界面。",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径 (默认在 . 和 ./configs 中查找 config.yaml)")
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	return logger
}

func main() {
	// .env 存在时先加载，供 KIOSK_* 环境变量覆盖配置
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
