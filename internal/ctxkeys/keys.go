package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDKey 上下文中链路追踪 ID 的键
type TraceIDKey struct{}

// WithTraceID 为一次事件处理生成追踪 ID
func WithTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, uuid.NewString())
}

// TraceID 读取上下文中的追踪 ID
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(TraceIDKey{}).(string)
	return v
}
