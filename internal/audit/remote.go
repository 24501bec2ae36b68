package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mes-kiosk/internal/util"
)

// RemoteSink 通过 HTTP 把审计记录发送到集中的审计服务
// 记录在本地生成 ID 和时间戳，远端只负责保存
type RemoteSink struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	tenantID string
	logger   *slog.Logger
}

// NewRemoteSink 创建一个远程接收端
func NewRemoteSink(endpoint, tenantID string, logger *slog.Logger) *RemoteSink {
	return &RemoteSink{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second}, // 设置 5 秒超时
		tenantID: tenantID,
		logger:   logger.With("component", "remote-audit", "endpoint", endpoint),
	}
}

// LogAction 通过 HTTP POST 请求调用远程服务的 /audit 端点
func (s *RemoteSink) LogAction(ctx context.Context, rec Record) Result {
	e, err := NewEntry(ctx, rec, s.tenantID)
	if err != nil {
		return Result{Err: err}
	}
	logger := s.logger.With("action", e.Action, "object_id", e.ObjectID)
	if e.TraceID != "" {
		logger = logger.With("trace_id", e.TraceID)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return Result{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/audit", bytes.NewReader(body))
	if err != nil {
		logger.Error("创建远程请求失败", "error", err)
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	util.SetTraceHeader(ctx, req)

	resp, err := s.Client.Do(req)
	if err != nil {
		logger.Error("远程审计写入失败", "error", err)
		return Result{Err: fmt.Errorf("remote audit write: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		logger.Error("远程服务返回错误状态", "status", resp.Status)
		return Result{Err: fmt.Errorf("remote audit service: %s", resp.Status)}
	}
	logger.Debug("远程审计写入成功")
	return Result{Entry: e}
}

// List 从远程服务读取记录，远端保证倒序
func (s *RemoteSink) List(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/audit", nil)
	if err != nil {
		return nil, err
	}
	util.SetTraceHeader(ctx, req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote audit list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote audit service: %s", resp.Status)
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding remote audit list: %w", err)
	}
	return entries, nil
}
