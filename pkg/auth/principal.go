package auth

import (
	"context"

	"github.com/esglens/esglens/pkg/tiers"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	ID   string
	Tier tiers.Tier
}

type principalKey struct{}

// WithPrincipal attaches the caller to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the caller. ok is false on unauthenticated
// requests, which the middleware only lets through on public paths.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
