package auditcontext

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ipAddressKey
	userAgentKey
)

func WithRequestID(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(value))
}

func WithIPAddress(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, ipAddressKey, strings.TrimSpace(value))
}

func WithUserAgent(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, userAgentKey, strings.TrimSpace(value))
}

func RequestID(ctx context.Context) string { return stringValue(ctx, requestIDKey) }

func IPAddress(ctx context.Context) string { return stringValue(ctx, ipAddressKey) }

func UserAgent(ctx context.Context) string { return stringValue(ctx, userAgentKey) }

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
