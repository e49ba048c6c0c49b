// Package labcontext carries per-request lab identity through
// context.Context so handlers and task functions can reach the calling
// session without threading ids through every signature.
package labcontext

import "context"

type sessionIDKey struct{}
type taskIDKey struct{}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID returns the session id bound to ctx, or "" when the caller
// is anonymous.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID returns the running task id bound to ctx, or "" outside a task.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
