package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// traceIDKey 请求追踪 ID 的 context key
type traceIDKey struct{}

// WithTraceID 把追踪 ID 写入 context；traceID 为空时生成新的
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext 读取追踪 ID，未设置时返回空串
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// TraceField 日志字段；未设置追踪 ID 时为空字段
func TraceField(ctx context.Context) zap.Field {
	if id := TraceIDFromContext(ctx); id != "" {
		return zap.String("trace_id", id)
	}
	return zap.Skip()
}
