package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// TraceHeader 是跨服务传递 Trace ID 的 HTTP 头
const TraceHeader = "X-Trace-ID"

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 生成一个随机的、唯一的 Trace ID
// 每次工站运行生成一个，该运行的所有审计写入都带上它
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok && traceID != ""
}

// SetTraceHeader 把 Context 中的 Trace ID 写入请求头
func SetTraceHeader(ctx context.Context, req *http.Request) {
	if traceID, ok := TraceIDFromContext(ctx); ok {
		req.Header.Set(TraceHeader, traceID)
	}
}

// ContextFromRequest 从请求头恢复 Trace ID，没有则生成新的
func ContextFromRequest(r *http.Request) context.Context {
	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = NewTraceID()
	}
	return ContextWithTraceID(r.Context(), traceID)
}
