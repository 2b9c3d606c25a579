package execution

import "context"

type sessionKey struct{}

// WithSessionID returns a context carrying the session ID, so listeners
// can attribute load decisions to the session that triggered them.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session ID carried by ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
