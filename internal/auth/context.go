// ABOUTME: Request context helpers for propagating the authenticated principal
// ABOUTME: Provides WithPrincipal/PrincipalFromContext used by downstream handlers

package auth

import (
	"context"
)

// principalKey is the key type for storing the principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with the principal attached.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext retrieves the principal from the context.
// Returns the empty string for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) string {
	val := ctx.Value(principalKey{})
	if val == nil {
		return ""
	}
	principal, ok := val.(string)
	if !ok {
		return ""
	}
	return principal
}
