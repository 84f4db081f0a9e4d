// Package appctx holds the context keys shared across the service so that
// handlers, workflows and helpers agree on how request-scoped values travel.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string {
	return string(c)
}

var ContextKeyCorrelationId = ContextKey("CorrelationId")

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}
