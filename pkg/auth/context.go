package auth

import (
	"context"
	"errors"
)

type contextKey string

const requestContextKey contextKey = "auth.request_context"

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext retrieves the RequestContext injected by Middleware.
func FromContext(ctx context.Context) (RequestContext, error) {
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	if !ok {
		return RequestContext{}, errors.New("auth: no request context")
	}
	return rc, nil
}

// MustFromContext panics if no RequestContext is present. Only safe to
// call from handlers that Middleware guarantees to have run first.
func MustFromContext(ctx context.Context) RequestContext {
	rc, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return rc
}
