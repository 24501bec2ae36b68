package main

import (
	"fmt"
	"log/slog"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/config"
	"mes-kiosk/internal/persistence"
)

// auditStore 是既能写又能读的审计接收端
type auditStore interface {
	audit.Sink
	audit.Lister
}

// openAuditStore 按配置打开审计接收端，返回的关闭函数总是非 nil
func openAuditStore(cfg *config.Config, logger *slog.Logger) (auditStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Audit.Backend {
	case config.BackendMemory:
		return audit.NewMemorySink(cfg.TenantID), noop, nil
	case config.BackendJournal:
		j, err := persistence.OpenJournal(cfg.Audit.Path, cfg.TenantID)
		if err != nil {
			return nil, noop, fmt.Errorf("无法打开审计日志: %w", err)
		}
		return j, j.Close, nil
	case config.BackendSQLite:
		s, err := persistence.OpenSQLite(cfg.Audit.Path, cfg.TenantID)
		if err != nil {
			return nil, noop, fmt.Errorf("无法打开审计数据库: %w", err)
		}
		return s, s.Close, nil
	case config.BackendRemote:
		return audit.NewRemoteSink(cfg.Audit.RemoteURL, cfg.TenantID, logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}
