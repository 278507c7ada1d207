package tenant

import "context"

type scopeContextKey struct{}

type userContextKey struct{}

// WithScope stores the resolved scope in the request context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext returns the scope from context, if set.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	if !ok || scope.Validate() != nil {
		return Scope{}, false
	}
	return scope, true
}

// WithUserID stores the authenticated caller in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserIDFromContext returns the authenticated caller, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(userContextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
