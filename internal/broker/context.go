package broker

import "context"

type contextKey string

const callerContextKey contextKey = "caller"

// withCaller records who made an authenticated API request.
func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// callerFromContext returns the caller recorded by requireToken.
func callerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerContextKey).(string)
	return caller
}
