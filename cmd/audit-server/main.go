package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/util"
)

// main 是远程审计收集服务的入口
// 接收终端 RemoteSink 发来的记录，按时间倒序提供查询
func main() {
	port := os.Getenv("AUDIT_SERVER_ADDR")
	if port == "" {
		port = ":8081"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "audit-server")
	slog.SetDefault(logger)

	store := audit.NewMemorySink("")
	logger.Info("=== 远程审计服务启动 ===", "port", port)

	if err := http.ListenAndServe(port, newHandler(store, logger)); err != nil {
		logger.Error("服务启动失败", "error", err)
		os.Exit(1)
	}
}

func newHandler(store *audit.MemorySink, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var e audit.Entry
			if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
				logger.Warn("解析审计记录失败", "error", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if e.ID == "" || e.Action == "" {
				http.Error(w, "entry requires id and action", http.StatusBadRequest)
				return
			}

			// 从 HTTP Header 中提取 Trace ID，用于链路追踪
			entryLogger := logger.With("id", e.ID, "action", e.Action, "object_id", e.ObjectID)
			if traceID := r.Header.Get(util.TraceHeader); traceID != "" {
				entryLogger = entryLogger.With("trace_id", traceID)
				if e.TraceID == "" {
					e.TraceID = traceID
				}
			}
			store.Append(e)
			entryLogger.Info("接收到审计记录")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(e)
		case http.MethodGet:
			entries, _ := store.List(r.Context())
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(entries)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}
