package authz

import (
	"context"

	"github.com/floegence/grainrpc/identity"
)

type identityKey struct{}

// WithIdentity installs identity as the "current identity" on ctx, for
// handler code invoked during a single request's dispatch to read
// without parameter passing.
func WithIdentity(ctx context.Context, id identity.UserIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// CurrentIdentity returns the identity installed by WithIdentity, or
// Anonymous if none was installed on ctx.
func CurrentIdentity(ctx context.Context) identity.UserIdentity {
	if id, ok := ctx.Value(identityKey{}).(identity.UserIdentity); ok {
		return id
	}
	return identity.Anonymous("")
}
