package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mes-kiosk/internal/api"
	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/config"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/handlers"
	"mes-kiosk/internal/kiosk"
	"mes-kiosk/internal/web"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动终端 HTTP/WebSocket 服务",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "监听地址，覆盖配置中的 listen_addr")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. 初始化核心组件
	logger := newLogger()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	stations, err := cfg.StationDefinitions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	tracker := web.NewStateTracker(hub)
	bus := event.NewBus()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(bus, tracker, logger)

	// 3. 审计接收端和异步写入
	store, closeStore, err := openAuditStore(cfg, logger)
	if err != nil {
		logger.Error("无法初始化审计接收端", "error", err, "backend", cfg.Audit.Backend)
		return err
	}
	defer closeStore()

	recorder := audit.NewRecorder(store, logger,
		audit.OnWritten(func(e audit.Entry) {
			bus.Publish(event.Event{Type: event.AuditWritten, Audit: &e})
		}),
		audit.OnFailure(func(rec audit.Record, err error) {
			bus.Publish(event.Event{Type: event.AuditWriteFailed, Action: rec.Action, Error: err})
		}),
	)
	defer recorder.Close()

	session := kiosk.NewSession(kiosk.Options{
		Actor:     cfg.Actor,
		Writer:    recorder,
		Logger:    logger,
		Bus:       bus,
		Navigator: api.HubNavigator{Hub: hub, Logger: logger},
		Stations:  stations,
		Policy:    cfg.AssistPolicy(),
	})
	defer session.Close()

	// 4. 启动 API 服务
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(session, store, hub, tracker, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("=== 工站终端服务启动 ===", "addr", cfg.ListenAddr, "actor", cfg.Actor,
			"audit_backend", cfg.Audit.Backend, "stations", len(stations))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 5. 优雅停机
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("API 服务器启动失败", "error", err)
			return err
		}
	case <-ctx.Done():
		logger.Info("接收到停机信号，正在优雅关闭...")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 HTTP 服务失败", "error", err)
	}
	session.Close()
	recorder.Flush()
	logger.Info("终端服务已安全退出")
	return nil
}
