package api

import "context"

type contextKey int

const ctxKeySubject contextKey = 0

// WithSubject records the authenticated operator on ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated operator, or "" when the request was
// not authenticated.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}
