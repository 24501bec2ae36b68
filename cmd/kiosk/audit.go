package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mes-kiosk/internal/config"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "审计记录工具",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "按时间倒序输出审计记录 (JSON Lines)",
	RunE:  runAuditList,
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "最多输出的条数，0 表示全部")
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openAuditStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("读取审计记录失败: %w", err)
	}
	if auditLimit > 0 && len(entries) > auditLimit {
		entries = entries[:auditLimit]
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
